// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultMaxRecordSize bounds the length of a single line in a data file.
	// DynamoDB items are limited to 400KB; their JSON encoding may be larger.
	DefaultMaxRecordSize = 4 * 1024 * 1024

	initialScanBuffer = 64 * 1024
)

// WorkChunk is a batch of raw item payloads ready to be written by a
// single worker.
type WorkChunk struct {
	Seq        int               // Position of the chunk in planning order, from 0
	Items      []json.RawMessage // Raw "Item" attribute maps, exactly as exported
	Target     int               // The planned chunk size
	Partitions []string          // Keys of the data files the items came from
}

// Len returns the number of items held in the chunk.
func (c *WorkChunk) Len() int {
	return len(c.Items)
}

// itemRecord is a single line of a DYNAMODB_JSON data file.
type itemRecord struct {
	Item json.RawMessage `json:"Item"`
}

// ChunkSize returns the number of items each chunk should hold so that
// total items are spread across workers chunks.  It is never less than 1.
func ChunkSize(total int64, workers int) int {
	if workers < 1 {
		workers = 1
	}
	size := total / int64(workers)
	if size < 1 {
		return 1
	}
	return int(size)
}

// PlannerStats is returned by Planner.Stats.
type PlannerStats struct {
	PartitionsRead int64
	RecordsRead    int64
	BytesRead      int64 // compressed bytes read from S3
}

// Planner streams the items of a set of partitions and regroups them into
// chunks of ChunkSize items, regardless of how the items were split across
// the partitions.  Every chunk except the final one holds exactly ChunkSize
// items.
type Planner struct {
	S3            S3Getter
	Bucket        string
	ChunkSize     int // Number of items per chunk
	MaxRecordSize int // Maximum length of a line in a data file; defaults to DefaultMaxRecordSize

	partitionsRead int64
	recordsRead    int64
	bytesRead      int64
}

// Plan reads each partition in order and calls emit with every completed
// chunk.  Only the chunk being assembled is held in memory.  If emit
// returns an error planning stops and that error is returned.
func (p *Planner) Plan(partitions []PartitionDescriptor, emit func(*WorkChunk) error) error {
	size := p.ChunkSize
	if size < 1 {
		size = 1
	}

	var seq int
	current := p.newChunk(seq, size)

	flush := func() error {
		c := current
		seq++
		current = p.newChunk(seq, size)
		return emit(c)
	}

	for _, part := range partitions {
		err := p.readPartition(part, func(item json.RawMessage) error {
			if n := len(current.Partitions); n == 0 || current.Partitions[n-1] != part.DataFileS3Key {
				current.Partitions = append(current.Partitions, part.DataFileS3Key)
			}
			current.Items = append(current.Items, item)
			if len(current.Items) == size {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		atomic.AddInt64(&p.partitionsRead, 1)
	}

	if len(current.Items) > 0 {
		return flush()
	}
	return nil
}

// Stats returns the planner's current statistics.  It is safe to call
// from concurrent goroutines.
func (p *Planner) Stats() PlannerStats {
	return PlannerStats{
		PartitionsRead: atomic.LoadInt64(&p.partitionsRead),
		RecordsRead:    atomic.LoadInt64(&p.recordsRead),
		BytesRead:      atomic.LoadInt64(&p.bytesRead),
	}
}

func (p *Planner) newChunk(seq, size int) *WorkChunk {
	return &WorkChunk{
		Seq:    seq,
		Items:  make([]json.RawMessage, 0, size),
		Target: size,
	}
}

// readPartition streams a single gzip compressed data file, calling fn
// with the raw Item payload of every record.
func (p *Planner) readPartition(part PartitionDescriptor, fn func(item json.RawMessage) error) error {
	key := part.DataFileS3Key
	resp, err := p.S3.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: s3://%s/%s: %v", ErrPartitionUnreadable, p.Bucket, key, err)
	}
	defer resp.Body.Close()

	gz, err := gzip.NewReader(&countingReader{r: resp.Body, n: &p.bytesRead})
	if err != nil {
		return fmt.Errorf("%w: s3://%s/%s: %v", ErrPartitionUnreadable, p.Bucket, key, err)
	}
	defer gz.Close()

	maxSize := p.MaxRecordSize
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}
	bufSize := initialScanBuffer
	if bufSize > maxSize {
		bufSize = maxSize
	}
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, bufSize), maxSize)

	var lineNum int
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		item, err := decodeItemRecord(line)
		if err != nil {
			return fmt.Errorf("%w: key=%s line=%d: %v", ErrRecordMalformed, key, lineNum, err)
		}
		atomic.AddInt64(&p.recordsRead, 1)
		if err := fn(item); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: s3://%s/%s: %v", ErrPartitionUnreadable, p.Bucket, key, err)
	}
	return nil
}

// decodeItemRecord extracts the Item payload from a data file line and
// checks that it decodes as an attribute map.  json.RawMessage copies the
// bytes, so the result does not alias the scanner's buffer.
func decodeItemRecord(line []byte) (json.RawMessage, error) {
	var rec itemRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	if len(rec.Item) == 0 || rec.Item[0] != '{' {
		return nil, errors.New("record has no Item attribute map")
	}
	var item map[string]*dynamodb.AttributeValue
	if err := json.Unmarshal(rec.Item, &item); err != nil {
		return nil, err
	}
	for name, av := range item {
		if err := checkAttr(name, av); err != nil {
			return nil, err
		}
	}
	return rec.Item, nil
}

// checkAttr rejects attribute values that carry no known type descriptor.
// AttributeValue has no json tags, so an unknown descriptor such as
// {"X":"1"} decodes without error into an empty value.
func checkAttr(name string, av *dynamodb.AttributeValue) error {
	if av == nil {
		return fmt.Errorf("attribute %q has no value", name)
	}
	switch {
	case av.L != nil:
		for i, v := range av.L {
			if err := checkAttr(fmt.Sprintf("%s[%d]", name, i), v); err != nil {
				return err
			}
		}
		return nil
	case av.M != nil:
		for k, v := range av.M {
			if err := checkAttr(name+"."+k, v); err != nil {
				return err
			}
		}
		return nil
	case av.B != nil, av.BOOL != nil, av.BS != nil, av.N != nil, av.NS != nil,
		av.NULL != nil, av.S != nil, av.SS != nil:
		return nil
	}
	return fmt.Errorf("attribute %q has no recognised type", name)
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.r.Read(p)
	atomic.AddInt64(r.n, int64(n))
	return n, err
}

// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
)

const (
	exportDirName     = "AWSDynamoDB"
	summaryObjectName = "manifest-summary.json"

	// FormatDynamoDBJSON is the only export output format that can be loaded.
	FormatDynamoDBJSON = "DYNAMODB_JSON"
)

// S3Getter defines the portion of the S3 service required to read an export.
type S3Getter interface {
	GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
}

// ExportSummary is the content of the manifest-summary.json object written
// by DynamoDB alongside an export.
type ExportSummary struct {
	Version            string    `json:"version"`
	ExportARN          string    `json:"exportArn"`
	StartTime          time.Time `json:"startTime"`
	EndTime            time.Time `json:"endTime"`
	TableARN           string    `json:"tableArn"`
	TableID            string    `json:"tableId"`
	ExportTime         time.Time `json:"exportTime"`
	S3Bucket           string    `json:"s3Bucket"`
	S3Prefix           string    `json:"s3Prefix"`
	S3SseAlgorithm     string    `json:"s3SseAlgorithm"`
	ManifestFilesS3Key string    `json:"manifestFilesS3Key"`
	BilledSizeBytes    int64     `json:"billedSizeBytes"`
	ItemCount          int64     `json:"itemCount"`
	OutputFormat       string    `json:"outputFormat"`
	ExportType         string    `json:"exportType"`
	OutputView         string    `json:"outputView"`
}

// PartitionDescriptor describes a single data file of an export.
type PartitionDescriptor struct {
	DataFileS3Key string `json:"dataFileS3Key"`
	ItemCount     int64  `json:"itemCount"`
	MD5Checksum   string `json:"md5Checksum,omitempty"`
	ETag          string `json:"etag,omitempty"`
}

// Manifest holds an export's summary and the data files that contain
// at least one item, in manifest order.
type Manifest struct {
	Summary    ExportSummary
	Partitions []PartitionDescriptor
}

// TotalItems returns the sum of the item counts of all partitions.
func (m *Manifest) TotalItems() (total int64) {
	for _, p := range m.Partitions {
		total += p.ItemCount
	}
	return total
}

// ManifestReader resolves an export id to its summary and data files.
type ManifestReader struct {
	S3       S3Getter
	Bucket   string // Bucket holding the export
	Prefix   string // Optional S3 prefix the export was written under
	ExportID string // Export id, or the export's full ARN

	m  sync.Mutex
	md *Manifest
}

// ExportIDFromARN returns the export id held in an export ARN such as
// arn:aws:dynamodb:eu-west-1:123456789012:table/t/export/01234-abcd.
// Values that are not ARNs are returned unchanged.
func ExportIDFromARN(id string) string {
	if !strings.HasPrefix(id, "arn:") {
		return id
	}
	if i := strings.LastIndex(id, "/export/"); i >= 0 {
		return id[i+len("/export/"):]
	}
	return id
}

// SummaryKey returns the S3 key of the export's summary object.
func (r *ManifestReader) SummaryKey() string {
	return path.Join(r.Prefix, exportDirName, ExportIDFromARN(r.ExportID), summaryObjectName)
}

// Read fetches and parses the summary and manifest.  The result is cached;
// subsequent calls return the same Manifest.
func (r *ManifestReader) Read() (*Manifest, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.md != nil {
		return r.md, nil
	}

	md := new(Manifest)
	summaryKey := r.SummaryKey()
	data, err := r.fetch(summaryKey)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &md.Summary); err != nil {
		return nil, fmt.Errorf("%w: key=%s: %v", ErrManifestMalformed, summaryKey, err)
	}
	if md.Summary.ManifestFilesS3Key == "" {
		return nil, fmt.Errorf("%w: key=%s: no manifestFilesS3Key", ErrManifestMalformed, summaryKey)
	}
	if f := md.Summary.OutputFormat; f != "" && f != FormatDynamoDBJSON {
		return nil, fmt.Errorf("%w: key=%s: unsupported output format %q", ErrManifestMalformed, summaryKey, f)
	}

	filesKey := md.Summary.ManifestFilesS3Key
	data, err = r.fetch(filesKey)
	if err != nil {
		return nil, err
	}
	md.Partitions, err = parsePartitions(filesKey, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	r.md = md
	return md, nil
}

func (r *ManifestReader) fetch(key string) ([]byte, error) {
	resp, err := r.S3.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrManifestUnavailable, r.Bucket, key, err)
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrManifestUnavailable, r.Bucket, key, err)
	}
	return data, nil
}

func parsePartitions(key string, r io.Reader) (partitions []PartitionDescriptor, err error) {
	scanner := bufio.NewScanner(r)
	var lineNum int
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p PartitionDescriptor
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("%w: key=%s line=%d: %v", ErrManifestMalformed, key, lineNum, err)
		}
		if p.DataFileS3Key == "" {
			return nil, fmt.Errorf("%w: key=%s line=%d: no dataFileS3Key", ErrManifestMalformed, key, lineNum)
		}
		if p.ItemCount < 0 {
			return nil, fmt.Errorf("%w: key=%s line=%d: negative itemCount %d", ErrManifestMalformed, key, lineNum, p.ItemCount)
		}
		if p.ItemCount == 0 {
			continue
		}
		partitions = append(partitions, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: key=%s: %v", ErrManifestMalformed, key, err)
	}
	return partitions, nil
}

// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/klauspost/compress/gzip"
)

const testExportID = "01234567890123-abcdefgh"

// fakeS3 serves objects from memory.  Keys with no object return a
// NoSuchKey error, as S3 does.
type fakeS3 struct {
	m       sync.Mutex
	objects map[string][]byte
	errs    map[string]error
	gets    []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func (f *fakeS3) GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	key := aws.StringValue(input.Key)
	f.gets = append(f.gets, key)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, awserr.New("NoSuchKey", "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{
		Body: ioutil.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (f *fakeS3) put(key string, data []byte) {
	f.m.Lock()
	f.objects[key] = data
	f.m.Unlock()
}

func (f *fakeS3) getCount(key string) (n int) {
	f.m.Lock()
	defer f.m.Unlock()
	for _, k := range f.gets {
		if k == key {
			n++
		}
	}
	return n
}

func gzipLines(lines ...string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, l := range lines {
		fmt.Fprintln(gz, l)
	}
	gz.Close()
	return buf.Bytes()
}

func itemLine(id int) string {
	return fmt.Sprintf(`{"Item":{"pk":{"S":"item-%d"},"n":{"N":"%d"}}}`, id, id)
}

// addPartitions stores a gzipped data file for each size given, numbering
// items sequentially across partitions from 0.
func addPartitions(f *fakeS3, sizes ...int) (parts []PartitionDescriptor) {
	var id int
	for i, size := range sizes {
		var lines []string
		for j := 0; j < size; j++ {
			lines = append(lines, itemLine(id))
			id++
		}
		key := fmt.Sprintf("AWSDynamoDB/%s/data/part-%d.json.gz", testExportID, i)
		f.put(key, gzipLines(lines...))
		parts = append(parts, PartitionDescriptor{DataFileS3Key: key, ItemCount: int64(size)})
	}
	return parts
}

// addExport stores a summary, manifest and data files for an export with
// partitions of the given sizes.
func addExport(f *fakeS3, sizes ...int) []PartitionDescriptor {
	parts := addPartitions(f, sizes...)
	filesKey := fmt.Sprintf("AWSDynamoDB/%s/manifest-files.json", testExportID)

	var total int
	var sb strings.Builder
	for _, p := range parts {
		total += int(p.ItemCount)
		fmt.Fprintf(&sb, `{"itemCount":%d,"md5Checksum":"x","etag":"y","dataFileS3Key":%q}`+"\n", p.ItemCount, p.DataFileS3Key)
	}
	f.put(filesKey, []byte(sb.String()))
	f.put(fmt.Sprintf("AWSDynamoDB/%s/manifest-summary.json", testExportID), []byte(fmt.Sprintf(`{
		"version":"2020-06-30",
		"exportArn":"arn:aws:dynamodb:eu-west-1:123456789012:table/source/export/%s",
		"startTime":"2023-04-01T10:00:00.000Z",
		"endTime":"2023-04-01T10:05:00.000Z",
		"tableArn":"arn:aws:dynamodb:eu-west-1:123456789012:table/source",
		"exportTime":"2023-04-01T10:00:00.000Z",
		"s3Bucket":"test-bucket",
		"s3SseAlgorithm":"AES256",
		"manifestFilesS3Key":%q,
		"billedSizeBytes":1234,
		"itemCount":%d,
		"outputFormat":"DYNAMODB_JSON"}`, testExportID, filesKey, total)))
	return parts
}

type fakeDyn struct {
	put      func(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	describe func(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
	update   func(input *dynamodb.UpdateTableInput) (*dynamodb.UpdateTableOutput, error)
}

func (d *fakeDyn) PutItem(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	return d.put(input)
}

func (d *fakeDyn) DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	return d.describe(input)
}

func (d *fakeDyn) UpdateTable(input *dynamodb.UpdateTableInput) (*dynamodb.UpdateTableOutput, error) {
	return d.update(input)
}

// fakeTable holds the state of a single provisioned table and behaves like
// DynamoDB for the calls the importer makes.
type fakeTable struct {
	m          sync.Mutex
	throughput Throughput
	onDemand   bool
	items      []map[string]*dynamodb.AttributeValue
	updates    []Throughput
	describes  int
	putErr     func(item map[string]*dynamodb.AttributeValue) error
	updateErr  func(t Throughput) error
}

func newFakeTable(read, write int64) *fakeTable {
	return &fakeTable{throughput: Throughput{Read: read, Write: write}}
}

func (t *fakeTable) dyn() *fakeDyn {
	return &fakeDyn{
		put: func(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			if t.putErr != nil {
				if err := t.putErr(input.Item); err != nil {
					return nil, err
				}
			}
			t.m.Lock()
			t.items = append(t.items, input.Item)
			t.m.Unlock()
			return &dynamodb.PutItemOutput{
				ConsumedCapacity: &dynamodb.ConsumedCapacity{CapacityUnits: aws.Float64(1)},
			}, nil
		},
		describe: func(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			t.m.Lock()
			defer t.m.Unlock()
			t.describes++
			desc := &dynamodb.TableDescription{
				TableName:   input.TableName,
				TableStatus: aws.String(dynamodb.TableStatusActive),
				KeySchema: []*dynamodb.KeySchemaElement{
					{AttributeName: aws.String("pk"), KeyType: aws.String(dynamodb.KeyTypeHash)},
				},
				ProvisionedThroughput: &dynamodb.ProvisionedThroughputDescription{
					ReadCapacityUnits:  aws.Int64(t.throughput.Read),
					WriteCapacityUnits: aws.Int64(t.throughput.Write),
				},
			}
			if t.onDemand {
				desc.BillingModeSummary = &dynamodb.BillingModeSummary{
					BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
				}
			}
			return &dynamodb.DescribeTableOutput{Table: desc}, nil
		},
		update: func(input *dynamodb.UpdateTableInput) (*dynamodb.UpdateTableOutput, error) {
			target := Throughput{
				Read:  aws.Int64Value(input.ProvisionedThroughput.ReadCapacityUnits),
				Write: aws.Int64Value(input.ProvisionedThroughput.WriteCapacityUnits),
			}
			if t.updateErr != nil {
				if err := t.updateErr(target); err != nil {
					return nil, err
				}
			}
			t.m.Lock()
			defer t.m.Unlock()
			if target == t.throughput {
				return nil, awserr.New("ValidationException",
					"The provisioned throughput for the table will not change. The requested value equals the current value.", nil)
			}
			t.throughput = target
			t.updates = append(t.updates, target)
			return &dynamodb.UpdateTableOutput{}, nil
		},
	}
}

func (t *fakeTable) itemCount() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.items)
}

func (t *fakeTable) updateLog() []Throughput {
	t.m.Lock()
	defer t.m.Unlock()
	return append([]Throughput(nil), t.updates...)
}

type errReader struct {
	content io.Reader
	err     error
}

func (r *errReader) Read(p []byte) (n int, err error) {
	n, err = r.content.Read(p)
	if err != nil {
		return n, r.err
	}
	return n, err
}

// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/cenkalti/backoff/v4"
)

// DynPuter defines the portion of the DynamoDB service the Ingester requires.
type DynPuter interface {
	PutItem(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
}

// IngestStats are returned by Ingester.Stats.
type IngestStats struct {
	ItemsWritten   int64
	ItemsFailed    int64
	ItemsAbandoned int64
	ItemsRetried   int64 // number of retry attempts made
	BytesWritten   int64
	CapacityUsed   float64
}

// ChunkResult describes the outcome of writing a single chunk.
type ChunkResult struct {
	Seq       int
	Size      int
	Written   int
	Abandoned int // items not attempted because a stop was requested
	Failures  []ItemFailure
}

// Err returns a *ChunkError if any item in the chunk was not written,
// or nil.
func (r ChunkResult) Err() error {
	if len(r.Failures) == 0 && r.Abandoned == 0 {
		return nil
	}
	return &ChunkError{
		Seq:       r.Seq,
		Size:      r.Size,
		Written:   r.Written,
		Abandoned: r.Abandoned,
		Failures:  r.Failures,
	}
}

// Ingester writes chunks of items to a DynamoDB table using a pool of
// parallel workers.  Each worker takes the next chunk from the queue and
// writes its items one at a time, in order.
//
// A failed write does not stop the chunk; every item is attempted and the
// failures are returned in the chunk's result.
type Ingester struct {
	Dyn           DynPuter
	TableName     string
	Workers       int         // Number of chunks to write concurrently
	WriteCapacity float64     // Aggregate write capacity to pace writes to; 0 for unlimited
	Retry         RetryPolicy // Defaults to NoRetry
	KeyAttributes []string    // Key attribute names, used to identify failed items
	Logger        *log.Logger

	rateLimit      *rateLimitWaiter
	stop           stopper
	itemsWritten   int64
	itemsFailed    int64
	itemsAbandoned int64
	itemsRetried   int64
	bytesWritten   int64
	capacityUsed   int64 // multiplied by 10
}

// Run writes every chunk received from chunks, returning once the channel
// has been closed and all workers have finished.  Results are returned in
// chunk order.
func (in *Ingester) Run(chunks <-chan *WorkChunk) []ChunkResult {
	workers := in.Workers
	if workers < 1 {
		workers = 1
	}
	if in.WriteCapacity > 0 {
		in.rateLimit = newRateLimitWaiter(in.WriteCapacity, in.stop.notify())
	}

	// cancelled on stop so that retry backoff waits are cut short
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-in.stop.notify():
			cancel()
		case <-ctx.Done():
		}
	}()

	resultChan := make(chan ChunkResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range chunks {
				resultChan <- in.writeChunk(ctx, chunk)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var results []ChunkResult
	for r := range resultChan {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	return results
}

// Stop requests that workers abandon the remaining items of their
// current chunk, and any chunks still queued.  An item waiting to be
// retried is abandoned too.  It does not block.
func (in *Ingester) Stop() {
	in.stop.stop()
}

// Stats returns the current ingest statistics.  It is safe to call from
// concurrent goroutines.
func (in *Ingester) Stats() IngestStats {
	return IngestStats{
		ItemsWritten:   atomic.LoadInt64(&in.itemsWritten),
		ItemsFailed:    atomic.LoadInt64(&in.itemsFailed),
		ItemsAbandoned: atomic.LoadInt64(&in.itemsAbandoned),
		ItemsRetried:   atomic.LoadInt64(&in.itemsRetried),
		BytesWritten:   atomic.LoadInt64(&in.bytesWritten),
		CapacityUsed:   float64(atomic.LoadInt64(&in.capacityUsed)) / 10,
	}
}

func (in *Ingester) writeChunk(ctx context.Context, chunk *WorkChunk) ChunkResult {
	logger := loggerOrDiscard(in.Logger)
	res := ChunkResult{Seq: chunk.Seq, Size: chunk.Len()}
	usedCapacity := int64(1)

	for i, raw := range chunk.Items {
		if in.stop.isStopped() {
			res.Abandoned = len(chunk.Items) - i
			break
		}
		if in.rateLimit != nil {
			if isStopped := in.rateLimit.waitForRateLimit(usedCapacity); isStopped {
				res.Abandoned = len(chunk.Items) - i
				break
			}
		}

		var item map[string]*dynamodb.AttributeValue
		if err := json.Unmarshal(raw, &item); err != nil {
			res.Failures = append(res.Failures, ItemFailure{Index: i, Err: fmt.Errorf("%w: %v", ErrRecordMalformed, err)})
			atomic.AddInt64(&in.itemsFailed, 1)
			continue
		}

		used, err := in.putItem(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				logger.Printf("Item write abandoned table=%s chunk=%d item=%d error=%v", in.TableName, chunk.Seq, i, err)
				res.Abandoned = len(chunk.Items) - i
				break
			}
			f := ItemFailure{Index: i, Key: formatKey(item, in.KeyAttributes), Err: err}
			logger.Printf("Item write failed table=%s chunk=%d %s", in.TableName, chunk.Seq, f)
			res.Failures = append(res.Failures, f)
			atomic.AddInt64(&in.itemsFailed, 1)
			continue
		}

		usedCapacity = int64(math.Ceil(used))
		res.Written++
		atomic.AddInt64(&in.itemsWritten, 1)
		atomic.AddInt64(&in.bytesWritten, int64(calcItemSize(item)))
		atomic.AddInt64(&in.capacityUsed, int64(used*10))
	}

	if res.Abandoned > 0 {
		atomic.AddInt64(&in.itemsAbandoned, int64(res.Abandoned))
	}
	return res
}

// putItem writes a single item, retrying as directed by the retry policy,
// and returns the capacity the write consumed.  Retries end early once ctx
// is cancelled.
func (in *Ingester) putItem(ctx context.Context, item map[string]*dynamodb.AttributeValue) (capacityUsed float64, err error) {
	policy := in.Retry
	if policy == nil {
		policy = NoRetry
	}
	logger := loggerOrDiscard(in.Logger)

	req := &dynamodb.PutItemInput{
		TableName:              aws.String(in.TableName),
		Item:                   item,
		ReturnConsumedCapacity: aws.String(dynamodb.ReturnConsumedCapacityTotal),
	}

	var resp *dynamodb.PutItemOutput
	err = backoff.RetryNotify(func() error {
		var perr error
		resp, perr = in.Dyn.PutItem(req)
		if perr != nil && !policy.Retryable(perr) {
			return backoff.Permanent(perr)
		}
		return perr
	}, backoff.WithContext(policy.NewBackOff(), ctx), func(err error, d time.Duration) {
		atomic.AddInt64(&in.itemsRetried, 1)
		logger.Printf("Retrying throttled write table=%s delay=%s error=%v", in.TableName, d, err)
	})
	if err != nil {
		return 0, err
	}

	if resp != nil && resp.ConsumedCapacity != nil && resp.ConsumedCapacity.CapacityUnits != nil {
		return *resp.ConsumedCapacity.CapacityUnits, nil
	}
	// without a consumed capacity figure make a rough calculation
	return math.Ceil(float64(calcItemSize(item)) / 1024), nil
}

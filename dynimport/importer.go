// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/google/uuid"
)

// DynImporter defines the portion of the DynamoDB service the Importer
// requires.
type DynImporter interface {
	DynPuter
	DynTableUpdater
}

// ImportRun summarizes a single execution of Importer.Run.
type ImportRun struct {
	ID              string // Unique id for the run, included in log output
	TableName       string
	ExportID        string
	Planned         int64 // Items declared by the export manifest
	Written         int64
	Failed          int64
	Abandoned       int64
	Chunks          int
	ChunkSize       int
	ChunkErrors     []*ChunkError
	CapacityUpdates int64 // UpdateTable calls issued to raise and restore capacity
	RestoreErr      error // Set if capacity could not be restored; does not fail the run
	StartTime       time.Time
	EndTime         time.Time
}

// Elapsed returns the wall time taken by the run.
func (r *ImportRun) Elapsed() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// OK reports whether every planned item was written.
func (r *ImportRun) OK() bool {
	return r.Planned == r.Written
}

// ImportStats is returned by Importer.Stats.
type ImportStats struct {
	Planner PlannerStats
	Ingest  IngestStats
}

// Importer loads a DynamoDB export held in S3 into a DynamoDB table.
//
// Run reads the export's manifest, raises the table's capacity if Capacity
// is set, writes every item using Workers parallel workers, and restores
// the table's capacity once all writes have finished, regardless of
// whether they succeeded.
type Importer struct {
	S3            S3Getter
	Dyn           DynImporter
	Bucket        string        // S3 bucket holding the export
	Prefix        string        // S3 prefix the export was written under, if any
	ExportID      string        // Export id or ARN
	TableName     string        // Destination table
	Workers       int           // Number of chunks to write in parallel
	Capacity      *CapacityPlan // Capacity to apply during and after the import; nil leaves the table unchanged
	SettleDelay   time.Duration // Delay between the last write and restoring capacity
	ActiveTimeout time.Duration // Maximum time to wait for the table to become ACTIVE after raising capacity
	WriteCapacity float64       // Aggregate write capacity to pace writes to; 0 for unlimited
	Retry         RetryPolicy   // Retry policy for item writes; defaults to NoRetry
	MaxRecordSize int           // Maximum length of a data file line
	Logger        *log.Logger

	m        sync.Mutex
	reader   *ManifestReader
	planner  *Planner
	ingester *Ingester
	stop     stopper
}

// Manifest returns the export's manifest, reading it from S3 on first use.
func (im *Importer) Manifest() (*Manifest, error) {
	im.m.Lock()
	if im.reader == nil {
		im.reader = &ManifestReader{
			S3:       im.S3,
			Bucket:   im.Bucket,
			Prefix:   im.Prefix,
			ExportID: im.ExportID,
		}
	}
	r := im.reader
	im.m.Unlock()
	return r.Read()
}

// Stop requests a clean shutdown of the import.  Items being written are
// completed, remaining items are abandoned and capacity is restored before
// Run returns ErrAborted.  It does not block.
func (im *Importer) Stop() {
	im.stop.stop()
	im.m.Lock()
	if im.ingester != nil {
		im.ingester.Stop()
	}
	im.m.Unlock()
}

// Stats returns the current statistics for an ongoing or completed run.
// It is safe to call from concurrent goroutines.
func (im *Importer) Stats() (stats ImportStats) {
	im.m.Lock()
	planner, ingester := im.planner, im.ingester
	im.m.Unlock()
	if planner != nil {
		stats.Planner = planner.Stats()
	}
	if ingester != nil {
		stats.Ingest = ingester.Stats()
	}
	return stats
}

// Run executes the import.  The returned ImportRun is always non-nil and
// describes how far the import progressed.
//
// Errors reading the manifest, describing the table or raising capacity
// are returned before any item is written.  Errors reading partitions stop
// further chunks from being queued and are returned once queued chunks
// have been written.  Individual write failures are collected in
// ImportRun.ChunkErrors and cause Run to return ErrIncomplete.
func (im *Importer) Run() (run *ImportRun, err error) {
	logger := loggerOrDiscard(im.Logger)
	run = &ImportRun{
		ID:        uuid.New().String(),
		TableName: im.TableName,
		ExportID:  im.ExportID,
		StartTime: time.Now(),
	}
	defer func() { run.EndTime = time.Now() }()

	md, err := im.Manifest()
	if err != nil {
		return run, err
	}
	run.Planned = md.TotalItems()

	if run.Planned == 0 {
		logger.Printf("Nothing to import run=%s export=%s table=%s", run.ID, im.ExportID, im.TableName)
		return run, nil
	}

	keyAttrs, err := im.keyAttributes()
	if err != nil {
		return run, err
	}

	if im.stop.isStopped() {
		return run, ErrAborted
	}

	var capacity *CapacityController
	if im.Capacity != nil {
		capacity = &CapacityController{
			Dyn:           im.Dyn,
			TableName:     im.TableName,
			Plan:          *im.Capacity,
			SettleDelay:   im.SettleDelay,
			ActiveTimeout: im.ActiveTimeout,
			Logger:        im.Logger,
		}
		if err := capacity.Raise(); err != nil {
			logger.Printf("Capacity raise failed run=%s table=%s error=%v", run.ID, im.TableName, err)
			im.restore(run, capacity)
			return run, err
		}
	}

	workers := im.Workers
	if workers < 1 {
		workers = 1
	}
	run.ChunkSize = ChunkSize(run.Planned, workers)

	planner := &Planner{
		S3:            im.S3,
		Bucket:        im.Bucket,
		ChunkSize:     run.ChunkSize,
		MaxRecordSize: im.MaxRecordSize,
	}
	ingester := &Ingester{
		Dyn:           im.Dyn,
		TableName:     im.TableName,
		Workers:       workers,
		WriteCapacity: im.WriteCapacity,
		Retry:         im.Retry,
		KeyAttributes: keyAttrs,
		Logger:        im.Logger,
	}
	im.m.Lock()
	im.planner, im.ingester = planner, ingester
	if im.stop.isStopped() {
		ingester.Stop()
	}
	im.m.Unlock()

	logger.Printf("Beginning import run=%s export=%s table=%s items=%d partitions=%d chunk_size=%d parallel=%d",
		run.ID, im.ExportID, im.TableName, run.Planned, len(md.Partitions), run.ChunkSize, workers)

	chunks := make(chan *WorkChunk)
	resultChan := make(chan []ChunkResult, 1)
	go func() { resultChan <- ingester.Run(chunks) }()

	planErr := planner.Plan(md.Partitions, func(c *WorkChunk) error {
		select {
		case chunks <- c:
			return nil
		case <-im.stop.notify():
			return ErrAborted
		}
	})
	close(chunks)
	results := <-resultChan

	if planErr != nil && !errors.Is(planErr, ErrAborted) {
		logger.Printf("Planning failed run=%s table=%s error=%v", run.ID, im.TableName, planErr)
	}

	run.Chunks = len(results)
	for _, r := range results {
		run.Written += int64(r.Written)
		run.Failed += int64(len(r.Failures))
		run.Abandoned += int64(r.Abandoned)
		if cerr := r.Err(); cerr != nil {
			run.ChunkErrors = append(run.ChunkErrors, cerr.(*ChunkError))
			logger.Printf("Chunk incomplete run=%s table=%s error=%v", run.ID, im.TableName, cerr)
		}
	}

	if capacity != nil {
		im.restore(run, capacity)
	}

	logger.Printf("Import finished run=%s table=%s planned=%d written=%d failed=%d abandoned=%d chunks=%d elapsed=%s",
		run.ID, im.TableName, run.Planned, run.Written, run.Failed, run.Abandoned, run.Chunks, time.Since(run.StartTime))

	switch {
	case planErr != nil && !errors.Is(planErr, ErrAborted):
		return run, planErr
	case im.stop.isStopped():
		return run, ErrAborted
	case !run.OK():
		return run, fmt.Errorf("%w: %d of %d items written", ErrIncomplete, run.Written, run.Planned)
	}
	return run, nil
}

// restore attempts to return the table to its steady-state capacity.
// Failure is logged and recorded but does not fail the run.
func (im *Importer) restore(run *ImportRun, capacity *CapacityController) {
	if err := capacity.Restore(); err != nil {
		run.RestoreErr = err
		loggerOrDiscard(im.Logger).Printf("Capacity restore failed run=%s table=%s error=%v", run.ID, im.TableName, err)
	}
	run.CapacityUpdates = capacity.Updates()
}

// keyAttributes returns the names of the table's key attributes, hash key
// first.
func (im *Importer) keyAttributes() ([]string, error) {
	resp, err := im.Dyn.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(im.TableName),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: table=%s: %v", ErrTableUnavailable, im.TableName, err)
	}
	var hash, rng string
	for _, s := range resp.Table.KeySchema {
		switch aws.StringValue(s.KeyType) {
		case dynamodb.KeyTypeHash:
			hash = aws.StringValue(s.AttributeName)
		case dynamodb.KeyTypeRange:
			rng = aws.StringValue(s.AttributeName)
		}
	}
	if hash == "" {
		return nil, fmt.Errorf("%w: table=%s: no hash key", ErrTableUnavailable, im.TableName)
	}
	if rng == "" {
		return []string{hash}, nil
	}
	return []string{hash, rng}, nil
}

// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrManifestUnavailable is returned when the export summary or the
	// manifest of data files can't be fetched from S3.
	ErrManifestUnavailable = errors.New("export manifest unavailable")

	// ErrManifestMalformed is returned when the export summary or a
	// manifest record can't be parsed.
	ErrManifestMalformed = errors.New("export manifest malformed")

	// ErrPartitionUnreadable is returned when a data file can't be fetched
	// or decompressed.
	ErrPartitionUnreadable = errors.New("partition unreadable")

	// ErrRecordMalformed is returned when a line of a data file is not a
	// valid item record.
	ErrRecordMalformed = errors.New("item record malformed")

	// ErrCapacityRaiseFailed is returned when the table's capacity could
	// not be raised ahead of the import.
	ErrCapacityRaiseFailed = errors.New("failed to raise table capacity")

	// ErrCapacityRestoreFailed is reported (but not returned by Run) when
	// the table's capacity could not be restored after the import.
	ErrCapacityRestoreFailed = errors.New("failed to restore table capacity")

	// ErrItemWriteFailed is wrapped by ChunkError.
	ErrItemWriteFailed = errors.New("item write failed")

	// ErrTableUnavailable is returned when the destination table can't be
	// described.
	ErrTableUnavailable = errors.New("destination table unavailable")

	// ErrIncomplete is returned by Run when fewer items were written than
	// the manifest declared.
	ErrIncomplete = errors.New("import incomplete")

	// ErrAborted is returned when Stop was called before the import
	// completed.
	ErrAborted = errors.New("import aborted")
)

// ItemFailure records a single item that could not be written.
type ItemFailure struct {
	Index int    // Index of the item within its chunk
	Key   string // Rendered key attributes of the item, if known
	Err   error
}

func (f ItemFailure) String() string {
	if f.Key != "" {
		return fmt.Sprintf("item %d (%s): %v", f.Index, f.Key, f.Err)
	}
	return fmt.Sprintf("item %d: %v", f.Index, f.Err)
}

// ChunkError is returned for a chunk that had one or more items fail to
// write, or that was abandoned before all of its items were attempted.
type ChunkError struct {
	Seq       int
	Size      int
	Written   int
	Abandoned int
	Failures  []ItemFailure
}

func (e *ChunkError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "chunk %d: %d of %d items written", e.Seq, e.Written, e.Size)
	if len(e.Failures) > 0 {
		fmt.Fprintf(&sb, ", %d failed", len(e.Failures))
	}
	if e.Abandoned > 0 {
		fmt.Fprintf(&sb, ", %d abandoned", e.Abandoned)
	}
	for i, f := range e.Failures {
		if i == maxReportedFailures {
			fmt.Fprintf(&sb, "; ... %d more", len(e.Failures)-i)
			break
		}
		sb.WriteString("; ")
		sb.WriteString(f.String())
	}
	return sb.String()
}

// Unwrap allows errors.Is(err, ErrItemWriteFailed) to match.
func (e *ChunkError) Unwrap() error {
	return ErrItemWriteFailed
}

const maxReportedFailures = 5

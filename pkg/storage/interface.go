package storage

import (
	"context"
	"errors"

	"github.com/nicktill/tinyroll/pkg/tsid"
)

// ErrTransient marks a transport failure that is worth retrying. Index writers
// wrap retryable errors with it; anything else is treated as terminal.
var ErrTransient = errors.New("transient transport error")

// CancelCheckEvery bounds how many documents a shard reader may deliver
// between two polls of the cancellation hook.
const CancelCheckEvery = 1024

// Doc is one position in the ordered document stream of a shard.
//
// TSID points into a buffer the reader reuses between documents; consumers
// that keep it past the Collect call must Clone it. TSIDOrd is a per-segment
// ordinal: cheap to compare, but not stable across segments.
type Doc struct {
	TSID        tsid.TSID
	TSIDOrd     int
	TimestampMS int64
	DocID       int
	Segment     int
}

// FieldValues reads one field's doc-values within a segment.
// Values returns ok=false when the document has no value for the field.
type FieldValues interface {
	Values(docID int) (values []any, ok bool, err error)
}

// Segment is one leaf of a shard. Doc ids are scoped to the segment.
type Segment interface {
	// FieldValues opens a doc-values reader for the field.
	FieldValues(field string) (FieldValues, error)

	// DocCount returns the document's _doc_count contribution (1 if absent).
	DocCount(docID int) (int, error)
}

// DocVisitor consumes the ordered document stream of a shard.
type DocVisitor interface {
	// BeginSegment is invoked whenever the stream switches to a new segment,
	// before any Collect call for that segment's documents.
	BeginSegment(seg Segment, segment int) error

	// Collect is invoked once per document, in stream order.
	Collect(doc Doc) error
}

// ShardReader provides the globally ordered document stream of one read-only
// time-series shard: ascending by tsid, descending by timestamp within a tsid.
type ShardReader interface {
	// Iterate walks the stream and feeds it to the visitor. When resume is
	// non-nil, iteration starts at the smallest tsid >= resume (inclusive).
	//
	// checkCancel is polled at least once per segment and at least once every
	// CancelCheckEvery documents; a non-nil return unwinds the iteration and
	// is returned unchanged. Errors from the visitor propagate the same way.
	Iterate(ctx context.Context, resume tsid.TSID, v DocVisitor, checkCancel func() error) error

	// TimeBounds returns the shard's configured series time range in epoch
	// milliseconds. Bucket starts are clamped to the lower bound.
	TimeBounds() (startMS, endMS int64)

	// TotalDocs returns the number of documents in the shard.
	TotalDocs() int

	Close() error
}

// BulkItem is one document to index.
type BulkItem struct {
	ID       string
	Document []byte
}

// BulkItemResult reports the outcome of one item in an acknowledged batch.
// An empty Error means the item was indexed.
type BulkItemResult struct {
	ID    string
	Error string
}

// BulkResult is the acknowledgement for one batch.
type BulkResult struct {
	TookMillis int64
	Items      []BulkItemResult
}

// Failed returns the number of item-level failures in the batch.
func (r BulkResult) Failed() int {
	n := 0
	for _, item := range r.Items {
		if item.Error != "" {
			n++
		}
	}
	return n
}

// IndexWriter indexes rollup documents into one target index. Writing the same
// id twice replaces the document.
type IndexWriter interface {
	Bulk(ctx context.Context, items []BulkItem) (BulkResult, error)
	Close() error
}

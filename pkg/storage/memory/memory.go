package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyroll/pkg/storage"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

// SourceDoc is one raw document added to an in-memory shard.
// Either TSID or Dims must be set; Dims is encoded on insert.
type SourceDoc struct {
	TSID        tsid.TSID
	Dims        map[string]any
	TimestampMS int64
	Fields      map[string][]any
	DocCount    int // 0 means absent (counts as 1)
}

// Shard holds source documents in memory. Data is lost on restart.
// Useful for testing and development. Segments are kept separate so the
// ordinal-reset path of the engine (ordinals are per-segment) is exercised.
type Shard struct {
	segments []*segment
	startMS  int64
	endMS    int64
	total    int
}

type segment struct {
	docs []SourceDoc
	ords []int // tsid ordinal per doc, assigned in sorted order
}

// NewShard creates an in-memory shard with the given series time bounds.
func NewShard(startMS, endMS int64) *Shard {
	return &Shard{startMS: startMS, endMS: endMS}
}

// AddSegment adds one segment holding the given documents. Documents are
// sorted into stream order (tsid ascending, timestamp descending) on insert.
func (s *Shard) AddSegment(docs ...SourceDoc) error {
	seg := &segment{docs: make([]SourceDoc, len(docs))}
	copy(seg.docs, docs)

	for i := range seg.docs {
		if seg.docs[i].TSID == nil {
			id, err := tsid.Encode(seg.docs[i].Dims)
			if err != nil {
				return fmt.Errorf("failed to encode tsid: %w", err)
			}
			seg.docs[i].TSID = id
		}
	}

	sort.SliceStable(seg.docs, func(i, j int) bool {
		c := tsid.Compare(seg.docs[i].TSID, seg.docs[j].TSID)
		if c != 0 {
			return c < 0
		}
		return seg.docs[i].TimestampMS > seg.docs[j].TimestampMS
	})

	// Assign per-segment tsid ordinals
	seg.ords = make([]int, len(seg.docs))
	ord := -1
	var prev tsid.TSID
	for i := range seg.docs {
		if prev == nil || !tsid.Equal(prev, seg.docs[i].TSID) {
			ord++
			prev = seg.docs[i].TSID
		}
		seg.ords[i] = ord
	}

	s.segments = append(s.segments, seg)
	s.total += len(seg.docs)
	return nil
}

// Iterate merges the segments into one globally ordered stream.
func (s *Shard) Iterate(ctx context.Context, resume tsid.TSID, v storage.DocVisitor, checkCancel func() error) error {
	if checkCancel == nil {
		checkCancel = func() error { return nil }
	}
	if err := checkCancel(); err != nil {
		return err
	}

	// Per-segment cursors, each starting at the resume point
	cursors := make([]int, len(s.segments))
	for i, seg := range s.segments {
		if resume != nil {
			cursors[i] = sort.Search(len(seg.docs), func(j int) bool {
				return tsid.Compare(seg.docs[j].TSID, resume) >= 0
			})
		}
	}

	activeSegment := -1
	sinceCheck := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Pick the segment whose next doc is smallest in stream order
		pick := -1
		for i, seg := range s.segments {
			if cursors[i] >= len(seg.docs) {
				continue
			}
			if pick == -1 {
				pick = i
				continue
			}
			a := seg.docs[cursors[i]]
			b := s.segments[pick].docs[cursors[pick]]
			c := tsid.Compare(a.TSID, b.TSID)
			if c < 0 || (c == 0 && a.TimestampMS > b.TimestampMS) {
				pick = i
			}
		}
		if pick == -1 {
			return nil
		}

		if pick != activeSegment {
			if err := checkCancel(); err != nil {
				return err
			}
			sinceCheck = 0
			if err := v.BeginSegment(s.segments[pick], pick); err != nil {
				return err
			}
			activeSegment = pick
		}

		seg := s.segments[pick]
		docID := cursors[pick]
		doc := seg.docs[docID]

		err := v.Collect(storage.Doc{
			TSID:        doc.TSID,
			TSIDOrd:     seg.ords[docID],
			TimestampMS: doc.TimestampMS,
			DocID:       docID,
			Segment:     pick,
		})
		if err != nil {
			return err
		}

		cursors[pick]++
		sinceCheck++
		if sinceCheck >= storage.CancelCheckEvery {
			if err := checkCancel(); err != nil {
				return err
			}
			sinceCheck = 0
		}
	}
}

// TimeBounds returns the configured series time range.
func (s *Shard) TimeBounds() (int64, int64) {
	return s.startMS, s.endMS
}

// TotalDocs returns the number of documents across all segments.
func (s *Shard) TotalDocs() int {
	return s.total
}

// Close is a no-op for memory shards.
func (s *Shard) Close() error {
	return nil
}

// FieldValues opens a doc-values reader for the field.
func (seg *segment) FieldValues(field string) (storage.FieldValues, error) {
	return &fieldValues{seg: seg, field: field}, nil
}

// DocCount returns the document's _doc_count contribution.
func (seg *segment) DocCount(docID int) (int, error) {
	if docID < 0 || docID >= len(seg.docs) {
		return 0, fmt.Errorf("doc id %d out of range", docID)
	}
	if n := seg.docs[docID].DocCount; n > 0 {
		return n, nil
	}
	return 1, nil
}

type fieldValues struct {
	seg   *segment
	field string
}

func (f *fieldValues) Values(docID int) ([]any, bool, error) {
	if docID < 0 || docID >= len(f.seg.docs) {
		return nil, false, fmt.Errorf("doc id %d out of range", docID)
	}
	values, ok := f.seg.docs[docID].Fields[f.field]
	if !ok || len(values) == 0 {
		return nil, false, nil
	}
	return values, true, nil
}

// Index is an in-memory target index for tests. Bulk behavior can be bent via
// fault injection: transient transport failures, item-level failures, and an
// OnBulk hook for latency or blocking.
type Index struct {
	mu      sync.Mutex
	docs    map[string][]byte
	batches int

	transientFailures int
	itemFailures      map[string]string

	// OnBulk, when set, runs before each batch is applied. Returning an error
	// fails the batch as a terminal transport error.
	OnBulk func(items []storage.BulkItem) error
}

// NewIndex creates an in-memory target index.
func NewIndex() *Index {
	return &Index{
		docs:         make(map[string][]byte),
		itemFailures: make(map[string]string),
	}
}

// FailNextBulks makes the next n Bulk calls fail with a transient error.
func (ix *Index) FailNextBulks(n int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.transientFailures = n
}

// FailItem makes every future batch report an item-level failure for id.
func (ix *Index) FailItem(id, reason string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.itemFailures[id] = reason
}

// Bulk indexes a batch of documents.
func (ix *Index) Bulk(ctx context.Context, items []storage.BulkItem) (storage.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.BulkResult{}, err
	}

	if hook := ix.OnBulk; hook != nil {
		if err := hook(items); err != nil {
			return storage.BulkResult{}, err
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.transientFailures > 0 {
		ix.transientFailures--
		return storage.BulkResult{}, fmt.Errorf("%w: injected failure", storage.ErrTransient)
	}

	start := time.Now()
	result := storage.BulkResult{Items: make([]storage.BulkItemResult, 0, len(items))}
	for _, item := range items {
		if reason, failed := ix.itemFailures[item.ID]; failed {
			result.Items = append(result.Items, storage.BulkItemResult{ID: item.ID, Error: reason})
			continue
		}
		ix.docs[item.ID] = item.Document
		result.Items = append(result.Items, storage.BulkItemResult{ID: item.ID})
	}
	ix.batches++
	result.TookMillis = time.Since(start).Milliseconds()
	return result, nil
}

// Close is a no-op for memory indexes.
func (ix *Index) Close() error {
	return nil
}

// Docs returns a copy of the indexed documents by id.
func (ix *Index) Docs() map[string][]byte {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make(map[string][]byte, len(ix.docs))
	for id, doc := range ix.docs {
		out[id] = doc
	}
	return out
}

// Batches returns how many batches were acknowledged.
func (ix *Index) Batches() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.batches
}

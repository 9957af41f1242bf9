package downsample

import (
	"fmt"
	"time"

	"github.com/nicktill/tinyroll/pkg/document"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

// BucketBuilder holds the state of the single open bucket: owned series id,
// per-segment ordinal, bucket start, running doc count, and the producer
// accumulators.
//
// Producer grouping is fixed at construction: producers sharing an output
// name (the sub-producers of an aggregated gauge) serialize as one
// aggregate-metric object.
type BucketBuilder struct {
	timestampField  string
	timestampFormat string

	producers []FieldProducer
	writers   []fieldWriter

	id            tsid.TSID
	ord           int
	bucketStartMS int64
	docCount      int64

	// open distinguishes "no bucket yet" from a legitimate bucket starting at
	// the epoch; a zero-timestamp sentinel cannot.
	open bool
}

// NewBucketBuilder creates a builder over the given producers. The timestamp
// format is a Go time layout matching the source index's date format.
func NewBucketBuilder(timestampField, timestampFormat string, producers []FieldProducer) (*BucketBuilder, error) {
	if timestampField == "" {
		return nil, fmt.Errorf("downsample: empty timestamp field")
	}
	if timestampFormat == "" {
		timestampFormat = "2006-01-02T15:04:05.000Z07:00"
	}

	b := &BucketBuilder{
		timestampField:  timestampField,
		timestampFormat: timestampFormat,
		producers:       producers,
		ord:             -1,
	}

	// Group producers by output name, preserving first-seen order. A group of
	// aggregate sub-producers becomes one composite writer; everything else
	// writes itself.
	groups := make(map[string][]FieldProducer)
	var names []string
	for _, p := range producers {
		if _, seen := groups[p.Name()]; !seen {
			names = append(names, p.Name())
		}
		groups[p.Name()] = append(groups[p.Name()], p)
	}
	for _, name := range names {
		group := groups[name]
		if len(group) == 1 {
			w, ok := group[0].(fieldWriter)
			if !ok {
				return nil, fmt.Errorf("downsample: producer for %q cannot serialize itself", name)
			}
			b.writers = append(b.writers, w)
			continue
		}
		subs := make([]*aggSubProducer, 0, len(group))
		for _, p := range group {
			sub, ok := p.(*aggSubProducer)
			if !ok {
				return nil, fmt.Errorf("downsample: producers sharing name %q must be aggregate sub-producers", name)
			}
			subs = append(subs, sub)
		}
		b.writers = append(b.writers, &aggregateMetricWriter{name: name, subs: subs})
	}

	return b, nil
}

// ResetSeries begins a new bucket for a new series. The tsid bytes are
// deep-copied: the reader reuses its buffer between documents.
func (b *BucketBuilder) ResetSeries(id tsid.TSID, ord int, bucketStartMS int64) {
	b.id = id.Clone()
	b.ord = ord
	b.ResetBucket(bucketStartMS)
}

// ResetBucket begins a new bucket for the current series.
func (b *BucketBuilder) ResetBucket(bucketStartMS int64) {
	b.bucketStartMS = bucketStartMS
	b.docCount = 0
	b.open = true
	for _, p := range b.producers {
		p.Reset()
	}
}

// CollectDocCount adds one document's _doc_count contribution.
func (b *BucketBuilder) CollectDocCount(n int) {
	b.docCount += int64(n)
}

// CollectField feeds one document's doc-values to producer i.
func (b *BucketBuilder) CollectField(i int, values []any) error {
	return b.producers[i].Collect(values)
}

// IsEmpty reports whether there is nothing to emit for the open bucket.
func (b *BucketBuilder) IsEmpty() bool {
	return !b.open || b.id == nil || b.docCount == 0
}

// TSID returns the open bucket's series id (nil before the first series).
func (b *BucketBuilder) TSID() tsid.TSID { return b.id }

// TSIDOrd returns the open bucket's series ordinal (-1 before the first).
func (b *BucketBuilder) TSIDOrd() int { return b.ord }

// BucketStartMS returns the open bucket's start timestamp.
func (b *BucketBuilder) BucketStartMS() int64 { return b.bucketStartMS }

// DocCount returns the open bucket's accumulated doc count.
func (b *BucketBuilder) DocCount() int64 { return b.docCount }

// Producers returns the producer array, in collect-index order.
func (b *BucketBuilder) Producers() []FieldProducer { return b.producers }

// Build serializes the open bucket into rollup document fields: the bucket
// timestamp (formatted), the doc count, every dimension decoded from the
// tsid, and one field per producer group. An empty bucket yields an empty
// map, which the caller must not emit.
func (b *BucketBuilder) Build() (map[string]any, error) {
	out := make(map[string]any)
	if b.IsEmpty() {
		return out, nil
	}

	out[b.timestampField] = time.UnixMilli(b.bucketStartMS).UTC().Format(b.timestampFormat)
	out[document.DocCountField] = b.docCount

	dims, err := b.id.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode tsid: %w", err)
	}
	for name, value := range dims {
		out[name] = value
	}

	for _, w := range b.writers {
		w.WriteTo(out)
	}
	return out, nil
}

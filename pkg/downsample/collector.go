package downsample

import (
	"fmt"
	"math"
	"time"

	"github.com/nicktill/tinyroll/pkg/bulk"
	"github.com/nicktill/tinyroll/pkg/document"
	"github.com/nicktill/tinyroll/pkg/rounding"
	"github.com/nicktill/tinyroll/pkg/storage"
	"github.com/nicktill/tinyroll/pkg/task"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

// Collector drives the bucket state machine over the ordered document
// stream. It owns the bucket builder and the enqueue side of the bulk sink;
// it runs on a single goroutine.
type Collector struct {
	task    *task.ShardTask
	builder *BucketBuilder
	sink    *bulk.Sink
	round   rounding.Rounding

	// Bucket starts are clamped to the shard's series start, so a bucket
	// never begins before the index's time range.
	seriesStartMS int64

	checkCancel func() error

	seg      storage.Segment
	bindings []storage.FieldValues

	// Coordinates of the open series in the stream. The ordinal is only
	// meaningful within curSegment.
	curTSIDOrd int
	curSegment int

	lastTS      int64
	lastHistoTS int64

	docsProcessed  int64
	bucketsCreated int64
}

// NewCollector wires a collector over the builder and sink. checkCancel is
// polled at bucket flushes (the reader polls it on its own schedule too).
func NewCollector(t *task.ShardTask, builder *BucketBuilder, sink *bulk.Sink, round rounding.Rounding, seriesStartMS int64, checkCancel func() error) *Collector {
	if checkCancel == nil {
		checkCancel = func() error { return nil }
	}
	return &Collector{
		task:          t,
		builder:       builder,
		sink:          sink,
		round:         round,
		seriesStartMS: seriesStartMS,
		checkCancel:   checkCancel,
		curTSIDOrd:    -1,
		curSegment:    -1,
		lastTS:        math.MaxInt64,
		lastHistoTS:   math.MaxInt64,
	}
}

// PreCollection runs before the first document.
func (c *Collector) PreCollection() error {
	return c.checkCancel()
}

// BeginSegment rebinds the doc-values readers for the new segment.
func (c *Collector) BeginSegment(seg storage.Segment, _ int) error {
	producers := c.builder.Producers()
	bindings := make([]storage.FieldValues, len(producers))
	for i, p := range producers {
		fv, err := seg.FieldValues(p.SourceField())
		if err != nil {
			return fmt.Errorf("failed to open doc-values for %q: %w", p.SourceField(), err)
		}
		bindings[i] = fv
	}
	c.seg = seg
	c.bindings = bindings
	return nil
}

// Collect advances the bucket state machine by one document.
func (c *Collector) Collect(doc storage.Doc) error {
	c.task.AddReceived(1)

	// An equal ordinal only proves an equal series within one segment;
	// ordinals are not stable across segments, so any other case falls back
	// to comparing the tsid bytes.
	var seriesChanged bool
	switch {
	case c.builder.TSID() == nil:
		seriesChanged = true
	case doc.Segment == c.curSegment && doc.TSIDOrd == c.curTSIDOrd:
		seriesChanged = false
	default:
		seriesChanged = !tsid.Equal(c.builder.TSID(), doc.TSID)
	}

	if seriesChanged || doc.TimestampMS < c.lastHistoTS {
		c.lastHistoTS = c.round.Round(doc.TimestampMS)
		if c.lastHistoTS < c.seriesStartMS {
			c.lastHistoTS = c.seriesStartMS
		}
	}
	c.task.SetLastSourceTS(doc.TimestampMS)
	c.task.SetLastTargetTS(c.lastHistoTS)

	// Stream-order sanity checks: tsid ascending, timestamp descending
	// within a tsid. A violation means the reader is broken.
	if last := c.builder.TSID(); last != nil {
		if tsid.Compare(last, doc.TSID) > 0 {
			return &OrderingViolationError{
				Detail: fmt.Sprintf("tsid not ascending: %x -> %x", last, doc.TSID),
			}
		}
		if !seriesChanged && doc.TimestampMS > c.lastTS {
			return &OrderingViolationError{
				Detail: fmt.Sprintf("timestamp not descending within series: %d -> %d", c.lastTS, doc.TimestampMS),
			}
		}
	}
	c.lastTS = doc.TimestampMS

	if seriesChanged || c.builder.BucketStartMS() != c.lastHistoTS {
		if !c.builder.IsEmpty() {
			if err := c.flushBucket(); err != nil {
				return err
			}
		}
		if seriesChanged {
			if prev := c.builder.TSID(); prev != nil {
				c.task.SetLastCompletedTSID(prev)
			}
			c.builder.ResetSeries(doc.TSID, doc.TSIDOrd, c.lastHistoTS)
		} else {
			c.builder.ResetBucket(c.lastHistoTS)
		}
		c.bucketsCreated++
	}
	// The same series may continue under new coordinates in another segment
	c.curTSIDOrd = doc.TSIDOrd
	c.curSegment = doc.Segment

	n, err := c.seg.DocCount(doc.DocID)
	if err != nil {
		return fmt.Errorf("failed to read doc count: %w", err)
	}
	c.builder.CollectDocCount(n)

	for i, fv := range c.bindings {
		values, ok, err := fv.Values(doc.DocID)
		if err != nil {
			return fmt.Errorf("failed to read doc-values: %w", err)
		}
		if !ok {
			continue
		}
		if err := c.builder.CollectField(i, values); err != nil {
			return err
		}
	}

	c.docsProcessed++
	c.task.SetDocsProcessed(c.docsProcessed)
	return nil
}

// PostCollection flushes the final bucket and re-checks cancellation.
func (c *Collector) PostCollection() error {
	if !c.builder.IsEmpty() {
		if err := c.flushBucket(); err != nil {
			return err
		}
		if id := c.builder.TSID(); id != nil {
			c.task.SetLastCompletedTSID(id)
		}
	}
	return c.checkCancel()
}

func (c *Collector) flushBucket() error {
	fields, err := c.builder.Build()
	if err != nil {
		return err
	}

	raw, err := document.Encode(fields)
	if err != nil {
		return err
	}
	id := document.ID(c.builder.TSID(), c.builder.BucketStartMS())

	c.task.SetLastIndexTS(time.Now().UnixMilli())
	if err := c.sink.Add(storage.BulkItem{ID: id, Document: raw}); err != nil {
		return err
	}
	return c.checkCancel()
}

// DocsProcessed returns how many documents the collector consumed.
func (c *Collector) DocsProcessed() int64 { return c.docsProcessed }

// BucketsCreated returns how many buckets were opened.
func (c *Collector) BucketsCreated() int64 { return c.bucketsCreated }

package downsample

import (
	"testing"
	"time"

	"github.com/nicktill/tinyroll/pkg/document"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

func mustTSID(t *testing.T, dims map[string]any) tsid.TSID {
	t.Helper()
	id, err := tsid.Encode(dims)
	if err != nil {
		t.Fatalf("tsid.Encode failed: %v", err)
	}
	return id
}

func newTestBuilder(t *testing.T, producers ...FieldProducer) *BucketBuilder {
	t.Helper()
	b, err := NewBucketBuilder("@timestamp", "", producers)
	if err != nil {
		t.Fatalf("NewBucketBuilder failed: %v", err)
	}
	return b
}

func TestBuilderEmptyStates(t *testing.T) {
	b := newTestBuilder(t)

	if !b.IsEmpty() {
		t.Error("fresh builder should be empty")
	}

	id := mustTSID(t, map[string]any{"host": "a"})
	b.ResetSeries(id, 0, 1000)
	if !b.IsEmpty() {
		t.Error("bucket with zero doc count should be empty")
	}

	b.CollectDocCount(1)
	if b.IsEmpty() {
		t.Error("bucket with docs should not be empty")
	}

	doc, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(doc) == 0 {
		t.Error("non-empty bucket should build a document")
	}
}

func TestBuilderEpochStartBucketIsNotEmpty(t *testing.T) {
	// A bucket starting exactly at 1970-01-01T00:00:00Z is legitimate; the
	// open flag, not a timestamp sentinel, decides emptiness.
	b := newTestBuilder(t)
	b.ResetSeries(mustTSID(t, map[string]any{"host": "a"}), 0, 0)
	b.CollectDocCount(1)

	if b.IsEmpty() {
		t.Error("epoch-start bucket with docs must not be considered empty")
	}
}

func TestBuilderOwnsTSIDCopy(t *testing.T) {
	b := newTestBuilder(t)
	id := mustTSID(t, map[string]any{"host": "a"})

	b.ResetSeries(id, 0, 1000)

	// Simulate the reader reusing its buffer for the next document
	id[0] ^= 0xFF
	if tsid.Equal(b.TSID(), id) {
		t.Error("builder must deep-copy the tsid on ResetSeries")
	}
}

func TestBuilderResetBucketPreservesSeries(t *testing.T) {
	p := newGaugeProducer("cpu")
	b := newTestBuilder(t, p)

	id := mustTSID(t, map[string]any{"host": "a"})
	b.ResetSeries(id, 3, 2000)
	b.CollectDocCount(2)
	if err := b.CollectField(0, []any{1.0}); err != nil {
		t.Fatal(err)
	}

	b.ResetBucket(1000)

	if !tsid.Equal(b.TSID(), id) {
		t.Error("ResetBucket must keep the series id")
	}
	if b.TSIDOrd() != 3 {
		t.Error("ResetBucket must keep the ordinal")
	}
	if b.BucketStartMS() != 1000 {
		t.Errorf("bucket start = %d, expected 1000", b.BucketStartMS())
	}
	if b.DocCount() != 0 {
		t.Error("ResetBucket must clear the doc count")
	}
	if !p.IsEmpty() {
		t.Error("ResetBucket must reset producers")
	}
}

func TestBuilderBuildDocument(t *testing.T) {
	gauge := newGaugeProducer("cpu")
	counter := newCounterProducer("requests")
	label := newLabelProducer("pod")
	b := newTestBuilder(t, gauge, counter, label)

	bucketStart := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	b.ResetSeries(mustTSID(t, map[string]any{"host": "web-01", "region": "us"}), 0, bucketStart)
	b.CollectDocCount(2)
	b.CollectDocCount(1)

	if err := b.CollectField(0, []any{3.0}); err != nil {
		t.Fatal(err)
	}
	if err := b.CollectField(0, []any{1.0}); err != nil {
		t.Fatal(err)
	}
	if err := b.CollectField(1, []any{42.0}); err != nil {
		t.Fatal(err)
	}
	if err := b.CollectField(2, []any{"pod-7"}); err != nil {
		t.Fatal(err)
	}

	doc, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if doc["@timestamp"] != "2024-01-01T10:00:00.000Z" {
		t.Errorf("@timestamp = %v", doc["@timestamp"])
	}
	if doc[document.DocCountField] != int64(3) {
		t.Errorf("_doc_count = %v, expected 3", doc[document.DocCountField])
	}
	if doc["host"] != "web-01" || doc["region"] != "us" {
		t.Errorf("dimensions missing: %v", doc)
	}

	cpu := doc["cpu"].(map[string]any)
	if cpu["min"] != 1.0 || cpu["max"] != 3.0 || cpu["sum"] != 4.0 || cpu["value_count"] != int64(2) {
		t.Errorf("gauge field wrong: %v", cpu)
	}
	if doc["requests"] != 42.0 {
		t.Errorf("counter field = %v", doc["requests"])
	}
	if doc["pod"] != "pod-7" {
		t.Errorf("label field = %v", doc["pod"])
	}
}

func TestBuilderBuildEmptyReturnsEmptyDoc(t *testing.T) {
	b := newTestBuilder(t)
	doc, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(doc) != 0 {
		t.Errorf("empty bucket should build an empty document, got %v", doc)
	}
}

func TestBuilderGroupsAggregateSubProducers(t *testing.T) {
	producers, err := NewProducers([]MetricConfig{{Field: "cpu", Type: MetricGauge, Aggregated: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := newTestBuilder(t, producers...)

	b.ResetSeries(mustTSID(t, map[string]any{"host": "a"}), 0, 1000)
	b.CollectDocCount(1)
	// One pre-aggregated source doc
	inputs := map[string][]any{
		"cpu.min": {2.0}, "cpu.max": {8.0}, "cpu.sum": {10.0}, "cpu.value_count": {3.0},
	}
	for i, p := range b.Producers() {
		if err := b.CollectField(i, inputs[p.SourceField()]); err != nil {
			t.Fatal(err)
		}
	}

	doc, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	// Four sub-producers, one composite output object
	cpu, ok := doc["cpu"].(map[string]any)
	if !ok {
		t.Fatalf("cpu field = %v (%T), expected object", doc["cpu"], doc["cpu"])
	}
	if cpu["min"] != 2.0 || cpu["max"] != 8.0 || cpu["sum"] != 10.0 || cpu["value_count"] != int64(3) {
		t.Errorf("composite field wrong: %v", cpu)
	}
}

func TestBuilderSkipsFieldsWithNoValues(t *testing.T) {
	gauge := newGaugeProducer("cpu")
	b := newTestBuilder(t, gauge)

	b.ResetSeries(mustTSID(t, map[string]any{"host": "a"}), 0, 1000)
	b.CollectDocCount(1)
	// No CollectField call: the doc had no value for cpu

	doc, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, present := doc["cpu"]; present {
		t.Error("field with no collected values must be omitted")
	}
	if doc[document.DocCountField] != int64(1) {
		t.Error("_doc_count must still be present")
	}
}

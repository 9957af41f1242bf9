package downsample

import (
	"fmt"
)

// MetricType classifies a source metric field.
type MetricType string

const (
	MetricGauge   MetricType = "gauge"
	MetricCounter MetricType = "counter"
)

// MetricConfig describes one metric field to downsample.
type MetricConfig struct {
	Field string
	Type  MetricType

	// Aggregated marks a source field that already carries aggregate-metric
	// subfields (<field>.min, .max, .sum, .value_count), as produced by a
	// previous downsample pass. Only valid for gauges.
	Aggregated bool
}

// FieldProducer accumulates one field's contribution to the open bucket, one
// document at a time.
//
// Several producers may share an output name; the bucket builder groups them
// and serializes the group as a single aggregate-metric object.
type FieldProducer interface {
	// Collect folds one document's doc-values into the bucket. It is only
	// called when the document has values for the source field; missing
	// fields are skipped upstream.
	Collect(values []any) error

	// Reset discards accumulated state at a bucket boundary.
	Reset()

	// Name is the output field name.
	Name() string

	// SourceField is the doc-values field this producer reads.
	SourceField() string

	// IsEmpty reports whether the bucket collected no values for this field.
	IsEmpty() bool
}

// fieldWriter serializes one output field (a single producer, or a group of
// sub-producers sharing a name) into the rollup document.
type fieldWriter interface {
	WriteTo(out map[string]any)
}

// NewProducers builds the producer set for the configured metric and label
// fields. Configuration problems surface here as FieldTypeError, before any
// document is collected.
func NewProducers(metrics []MetricConfig, labels []string) ([]FieldProducer, error) {
	producers := make([]FieldProducer, 0, len(metrics)*4+len(labels))

	for _, m := range metrics {
		if m.Field == "" {
			return nil, &FieldTypeError{Field: m.Field, Reason: "empty metric field name"}
		}
		switch m.Type {
		case MetricGauge:
			if m.Aggregated {
				producers = append(producers,
					newAggSubProducer(m.Field, aggMin),
					newAggSubProducer(m.Field, aggMax),
					newAggSubProducer(m.Field, aggSum),
					newAggSubProducer(m.Field, aggValueCount),
				)
			} else {
				producers = append(producers, newGaugeProducer(m.Field))
			}
		case MetricCounter:
			if m.Aggregated {
				return nil, &FieldTypeError{Field: m.Field, Reason: "counters cannot be aggregated sources"}
			}
			producers = append(producers, newCounterProducer(m.Field))
		default:
			return nil, &FieldTypeError{Field: m.Field, Reason: fmt.Sprintf("unknown metric type %q", m.Type)}
		}
	}

	for _, field := range labels {
		if field == "" {
			return nil, &FieldTypeError{Field: field, Reason: "empty label field name"}
		}
		producers = append(producers, newLabelProducer(field))
	}

	return producers, nil
}

// kahanSum is a compensated float sum: the correction term bounds the error
// accumulated over long buckets.
type kahanSum struct {
	sum  float64
	comp float64
}

func (k *kahanSum) add(v float64) {
	y := v - k.comp
	t := k.sum + y
	k.comp = (t - k.sum) - y
	k.sum = t
}

func (k *kahanSum) value() float64 { return k.sum }

func (k *kahanSum) reset() {
	k.sum = 0
	k.comp = 0
}

// gaugeProducer accumulates min/max/sum/value_count for a plain numeric
// gauge. It serializes as an aggregate-metric object.
type gaugeProducer struct {
	field string
	empty bool
	min   float64
	max   float64
	sum   kahanSum
	count int64
}

func newGaugeProducer(field string) *gaugeProducer {
	return &gaugeProducer{field: field, empty: true}
}

func (p *gaugeProducer) Collect(values []any) error {
	for _, raw := range values {
		v, ok := toFloat64(raw)
		if !ok {
			return &FieldTypeError{Field: p.field, Reason: fmt.Sprintf("non-numeric value %v (%T)", raw, raw)}
		}
		if p.empty || v < p.min {
			p.min = v
		}
		if p.empty || v > p.max {
			p.max = v
		}
		p.sum.add(v)
		p.count++
		p.empty = false
	}
	return nil
}

func (p *gaugeProducer) Reset() {
	p.empty = true
	p.min = 0
	p.max = 0
	p.sum.reset()
	p.count = 0
}

func (p *gaugeProducer) Name() string        { return p.field }
func (p *gaugeProducer) SourceField() string { return p.field }
func (p *gaugeProducer) IsEmpty() bool       { return p.empty }

func (p *gaugeProducer) WriteTo(out map[string]any) {
	if p.empty {
		return
	}
	out[p.field] = map[string]any{
		"min":         p.min,
		"max":         p.max,
		"sum":         p.sum.value(),
		"value_count": p.count,
	}
}

// aggOp selects which aggregate-metric subfield a sub-producer follows.
type aggOp int

const (
	aggMin aggOp = iota
	aggMax
	aggSum
	aggValueCount
)

func (op aggOp) key() string {
	switch op {
	case aggMin:
		return "min"
	case aggMax:
		return "max"
	case aggSum:
		return "sum"
	default:
		return "value_count"
	}
}

// aggSubProducer re-aggregates one subfield of an already-aggregated gauge:
// min of mins, max of maxes, sum of sums, sum of value_counts. The four
// sub-producers of a field share its output name and are recombined into one
// object by the bucket builder.
type aggSubProducer struct {
	field string
	op    aggOp
	empty bool
	val   float64
	sum   kahanSum
	count int64
}

func newAggSubProducer(field string, op aggOp) *aggSubProducer {
	return &aggSubProducer{field: field, op: op, empty: true}
}

func (p *aggSubProducer) Collect(values []any) error {
	for _, raw := range values {
		v, ok := toFloat64(raw)
		if !ok {
			return &FieldTypeError{Field: p.SourceField(), Reason: fmt.Sprintf("non-numeric value %v (%T)", raw, raw)}
		}
		switch p.op {
		case aggMin:
			if p.empty || v < p.val {
				p.val = v
			}
		case aggMax:
			if p.empty || v > p.val {
				p.val = v
			}
		case aggSum:
			p.sum.add(v)
		case aggValueCount:
			p.count += int64(v)
		}
		p.empty = false
	}
	return nil
}

func (p *aggSubProducer) Reset() {
	p.empty = true
	p.val = 0
	p.sum.reset()
	p.count = 0
}

func (p *aggSubProducer) Name() string        { return p.field }
func (p *aggSubProducer) SourceField() string { return p.field + "." + p.op.key() }
func (p *aggSubProducer) IsEmpty() bool       { return p.empty }

// writeSub contributes this sub-producer's value to the group object.
func (p *aggSubProducer) writeSub(obj map[string]any) {
	if p.empty {
		return
	}
	switch p.op {
	case aggSum:
		obj["sum"] = p.sum.value()
	case aggValueCount:
		obj["value_count"] = p.count
	default:
		obj[p.op.key()] = p.val
	}
}

// aggregateMetricWriter serializes a group of sub-producers sharing one
// output name as a single {min, max, sum, value_count} object.
type aggregateMetricWriter struct {
	name string
	subs []*aggSubProducer
}

func (w *aggregateMetricWriter) WriteTo(out map[string]any) {
	obj := make(map[string]any, 4)
	for _, sub := range w.subs {
		sub.writeSub(obj)
	}
	if len(obj) > 0 {
		out[w.name] = obj
	}
}

// counterProducer keeps the last observed value of a counter. The stream is
// timestamp-descending within a series, so the first collected value per
// bucket is the latest one.
type counterProducer struct {
	field string
	empty bool
	last  float64
}

func newCounterProducer(field string) *counterProducer {
	return &counterProducer{field: field, empty: true}
}

func (p *counterProducer) Collect(values []any) error {
	if !p.empty || len(values) == 0 {
		return nil
	}
	v, ok := toFloat64(values[0])
	if !ok {
		return &FieldTypeError{Field: p.field, Reason: fmt.Sprintf("non-numeric value %v (%T)", values[0], values[0])}
	}
	p.last = v
	p.empty = false
	return nil
}

func (p *counterProducer) Reset() {
	p.empty = true
	p.last = 0
}

func (p *counterProducer) Name() string        { return p.field }
func (p *counterProducer) SourceField() string { return p.field }
func (p *counterProducer) IsEmpty() bool       { return p.empty }

func (p *counterProducer) WriteTo(out map[string]any) {
	if p.empty {
		return
	}
	out[p.field] = p.last
}

// labelProducer keeps the last observed value of a label, preserving its
// source type (scalar or array).
type labelProducer struct {
	field string
	empty bool
	value any
}

func newLabelProducer(field string) *labelProducer {
	return &labelProducer{field: field, empty: true}
}

func (p *labelProducer) Collect(values []any) error {
	if !p.empty || len(values) == 0 {
		return nil
	}
	if len(values) == 1 {
		p.value = values[0]
	} else {
		arr := make([]any, len(values))
		copy(arr, values)
		p.value = arr
	}
	p.empty = false
	return nil
}

func (p *labelProducer) Reset() {
	p.empty = true
	p.value = nil
}

func (p *labelProducer) Name() string        { return p.field }
func (p *labelProducer) SourceField() string { return p.field }
func (p *labelProducer) IsEmpty() bool       { return p.empty }

func (p *labelProducer) WriteTo(out map[string]any) {
	if p.empty {
		return
	}
	out[p.field] = p.value
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

package region

import (
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Tracer receives region lifecycle events. Every type transition produces
// exactly one TypeChange call, issued before the region mutates its state.
type Tracer interface {
	TypeChange(index uint, from, to Type, top int, usedBytes int)
}

// NopTracer discards all events.
type NopTracer struct{}

func (NopTracer) TypeChange(index uint, from, to Type, top int, usedBytes int) {}

// JsonTracer streams one json object per event to the underlying writer, for
// offline analysis of region churn.
type JsonTracer struct {
	Out io.Writer
}

func (t *JsonTracer) TypeChange(index uint, from, to Type, top int, usedBytes int) {
	writer := jwriter.NewStreamingWriter(t.Out, 256)
	obj := writer.Object()
	obj.Name("Event").String("RegionTypeChange")
	obj.Name("Index").Int(int(index))
	obj.Name("From").String(from.String())
	obj.Name("To").String(to.String())
	obj.Name("Top").Int(top)
	obj.Name("UsedBytes").Int(usedBytes)
	obj.End()
	_ = writer.Flush()
}

package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		ThreadID: "wf-1",
		Step:     3,
		NodeID:   "developer",
		Msg:      "node_completed",
		Meta:     map[string]any{"next_node": "reviewer"},
	})

	out := buf.String()
	if !strings.HasPrefix(out, "[node_completed] thread=wf-1 step=3 node=developer") {
		t.Errorf("unexpected text output: %q", out)
	}
	if !strings.Contains(out, `"next_node":"reviewer"`) {
		t.Errorf("meta missing from output: %q", out)
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{ThreadID: "wf-1", Step: 1, NodeID: "architect", Msg: "node_completed"})

	var decoded struct {
		Thread string `json:"thread"`
		Step   int    `json:"step"`
		Node   string `json:"node"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if decoded.Thread != "wf-1" || decoded.Node != "architect" || decoded.Msg != "node_completed" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
}

func TestNullEmitter(t *testing.T) {
	emitter := NewNullEmitter()
	// Must not panic on any input, including nil meta.
	emitter.Emit(Event{})
	emitter.Emit(Event{ThreadID: "wf-1", Meta: nil})
}

func TestOTelEmitter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(tp.Tracer("test"))

	emitter.Emit(Event{
		ThreadID: "wf-1",
		Step:     2,
		NodeID:   "developer",
		Msg:      "node_completed",
		Meta:     map[string]any{"duration_ms": int64(17), "error": "boom"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "node_completed" {
		t.Errorf("unexpected span name %q", span.Name())
	}

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["orchestra.thread_id"] != "wf-1" {
		t.Errorf("thread attribute missing: %v", attrs)
	}
	if span.Status().Code.String() != "Error" {
		t.Errorf("expected Error status, got %v", span.Status())
	}
}

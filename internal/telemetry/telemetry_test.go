package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	agendo "github.com/agendo/core"
)

func TestToOTELAttrsConvertsEachSupportedKind(t *testing.T) {
	attrs := toOTELAttrs([]agendo.SpanAttr{
		agendo.StringAttr("s", "v"),
		agendo.IntAttr("i", 7),
		agendo.BoolAttr("b", true),
		agendo.Float64Attr("f", 1.5),
	})
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attrs, got %d", len(attrs))
	}
}

func TestSpanWrapsNoopTracerWithoutPanicking(t *testing.T) {
	tracer := &Tracer{tracer: noop.NewTracerProvider().Tracer("test")}
	_, span := tracer.Start(context.TODO(), "op", agendo.StringAttr("k", "v"))
	span.SetAttr(agendo.IntAttr("n", 1))
	span.Event("tick", agendo.BoolAttr("ok", true))
	span.Error(errors.New("boom"))
	span.End()
}

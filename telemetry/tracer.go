package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartStageSpan opens an OpenTelemetry span for one stage invocation,
// adapted from the teacher's OTelEmitter (graph/emit/otel.go), which turns
// each emitted event into a span. Here the stage runner owns the span
// directly rather than routing through an Emitter indirection, since the
// stage runner already knows the invocation's natural start/end boundary.
// tracer may be nil, in which case the returned end function is a no-op.
func StartStageSpan(ctx context.Context, tracer trace.Tracer, workflowID, stage string) (context.Context, func(err error)) {
	if tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := tracer.Start(ctx, "stage."+stage,
		trace.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("stage", stage),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

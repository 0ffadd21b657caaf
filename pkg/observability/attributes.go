package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dataset semantic convention attributes.
var (
	AttrDatasetUUID = attribute.Key("dataset.uuid")
	AttrDatasetName = attribute.Key("dataset.name")
	AttrDatasetURI  = attribute.Key("dataset.uri")

	AttrSourceURI = attribute.Key("dataset.transfer.source_uri")
	AttrDestURI   = attribute.Key("dataset.transfer.dest_uri")
	AttrResume    = attribute.Key("dataset.transfer.resume")
	AttrOutcome   = attribute.Key("dataset.transfer.outcome")

	AttrItemCount = attribute.Key("dataset.item.count")

	AttrOperation = attribute.Key("dataset.operation")
	AttrErrorCode = attribute.Key("dataset.error_code")
)

// Item transfer outcomes.
const (
	OutcomeCopied   = "copied"
	OutcomeSkipped  = "skipped"
	OutcomeRepaired = "repaired"
	OutcomeFailed   = "failed"
)

// DatasetOperation creates attributes identifying one dataset.
func DatasetOperation(uuid, name, uri string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDatasetUUID.String(uuid),
		AttrDatasetName.String(name),
		AttrDatasetURI.String(uri),
	}
}

// TransferOperation creates attributes for a copy or resume.
func TransferOperation(srcURI, destBaseURI string, resume bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSourceURI.String(srcURI),
		AttrDestURI.String(destBaseURI),
		AttrResume.Bool(resume),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

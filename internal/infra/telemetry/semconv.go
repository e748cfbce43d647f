package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, namespaced the OpenTelemetry way.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides free-form context for rejections.
	AttrReason = attribute.Key("reason")
	// AttrFeed names the latest-value feed a publication went to.
	AttrFeed = attribute.Key("feed")
	// AttrPosition labels contract metrics with the maker's side.
	AttrPosition = attribute.Key("position")
	// AttrProtocol labels peer substream metrics with the protocol name.
	AttrProtocol = attribute.Key("protocol")
	// AttrOperation differentiates collaborator calls (sync, broadcast, announcement).
	AttrOperation = attribute.Key("operation")
)

// Metric names.
const (
	MetricOrdersTaken      = "maker.orders.taken"
	MetricTakeRejected     = "maker.take.rejected"
	MetricRolloverOutcomes = "rollover.outcomes"
	MetricRolloverDuration = "rollover.handshake.duration"
	MetricFeedPublished    = "feed.published"
	MetricMigrations       = "db.migrations"
	MetricSubstreams       = "transport.substreams"
	MetricCollaboratorCall = "collaborator.calls"
)

// Rollover outcome values.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultRejected  = "rejected"
)

// ResultAttributes returns attributes for outcome counters.
func ResultAttributes(result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrResult.String(result),
	}
}

// FeedAttributes returns attributes for feed publication metrics.
func FeedAttributes(feed string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrFeed.String(feed),
	}
}

// RejectAttributes returns attributes for rejected take requests.
func RejectAttributes(reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes returns attributes for collaborator calls with result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ProtocolAttributes returns attributes for substream metrics.
func ProtocolAttributes(protocol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrProtocol.String(protocol),
	}
}

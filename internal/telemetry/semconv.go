package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for spreadfeed telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEndpoint identifies the feed endpoint a connection targets.
	AttrEndpoint = attribute.Key("endpoint")
	// AttrNetwork labels metrics with the chain the feed session covers.
	AttrNetwork = attribute.Key("network")
	// AttrFrameClass differentiates row, control, and invalid frame items.
	AttrFrameClass = attribute.Key("frame.class")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrCloseCode captures the WebSocket close code that ended a session.
	AttrCloseCode = attribute.Key("close.code")
)

// Frame class values
const (
	FrameClassRow     = "row"
	FrameClassControl = "control"
	FrameClassInvalid = "invalid"
)

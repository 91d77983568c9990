package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for model observability spans and metrics.
var (
	AttrModelID       = attribute.Key("model.id")
	AttrModelProvider = attribute.Key("model.provider")
	AttrModelMethod   = attribute.Key("model.method")

	AttrTokensInput  = attribute.Key("model.tokens.input")
	AttrTokensOutput = attribute.Key("model.tokens.output")
	AttrCostUSD      = attribute.Key("model.cost_usd")

	AttrToolCount = attribute.Key("model.tool_count")
	AttrToolNames = attribute.Key("model.tool_names")

	AttrStreamChunks = attribute.Key("model.stream_chunks")

	AttrSessionID  = attribute.Key("session.id")
	AttrTurnStatus = attribute.Key("turn.status")
)

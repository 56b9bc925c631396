package bus

// JSON schemas validated by the consumer runtime before dispatch. A payload
// that fails its topic schema goes straight to the dead letter topic without
// touching retry counters.

const timeframeEnum = `["1min", "10min", "1h", "1d", "1w", "1m"]`

// RawCandleSchema covers the collector and stream-bridge output.
const RawCandleSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["ticker", "timeframe", "begin", "open", "high", "low", "close", "volume"],
	"properties": {
		"ticker":    {"type": "string", "minLength": 1},
		"timeframe": {"type": "string", "enum": ` + timeframeEnum + `},
		"begin":     {"type": "string", "format": "date-time"},
		"open":      {"type": "number"},
		"high":      {"type": "number"},
		"low":       {"type": "number"},
		"close":     {"type": "number"},
		"volume":    {"type": "number", "minimum": 0},
		"value":     {"type": "number", "minimum": 0}
	}
}`

// CalculationRequestSchema covers the orchestrator → batch worker envelope.
const CalculationRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["job_id", "ticker", "timeframe", "start_date", "end_date", "indicators"],
	"properties": {
		"job_id":     {"type": "string", "format": "uuid"},
		"ticker":     {"type": "string", "minLength": 1},
		"timeframe":  {"type": "string", "enum": ` + timeframeEnum + `},
		"start_date": {"type": "string", "format": "date-time"},
		"end_date":   {"type": "string", "format": "date-time"},
		"indicators": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["indicator_key", "name", "params"],
				"properties": {
					"indicator_key": {"type": "string", "minLength": 1},
					"name":          {"type": "string", "minLength": 1},
					"library":       {"type": "string"},
					"params":        {"type": "object", "additionalProperties": {"type": "number"}}
				}
			}
		}
	}
}`

// BacktestRequestSchema covers both first submissions and calculation
// responses on the requests topic.
const BacktestRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["job_id"],
	"properties": {
		"job_id": {"type": "string", "format": "uuid"},
		"status": {"type": "string", "enum": ["CALCULATION_SUCCESS", "CALCULATION_FAILURE"]}
	}
}`

// CollectorTaskSchema covers the tasks topic.
const CollectorTaskSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["task_type", "ticker"],
	"properties": {
		"task_type": {"type": "string", "minLength": 1},
		"ticker":    {"type": "string", "minLength": 1},
		"params":    {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

// SchemaFor returns the schema bound to a topic, or "" when the topic has a
// free-form payload (processed candles carry dynamic indicator columns).
func SchemaFor(topic string) string {
	switch topic {
	case TopicRawCandles:
		return RawCandleSchema
	case TopicCalcRequests:
		return CalculationRequestSchema
	case TopicBacktestRequests:
		return BacktestRequestSchema
	case TopicCollectorTasks:
		return CollectorTaskSchema
	default:
		return ""
	}
}

package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonUnknownSession ReasonCode = "unknown_session"

	ReasonASRConnect ReasonCode = "asr_connect"
	ReasonASRSend    ReasonCode = "asr_send"
	ReasonASRStream  ReasonCode = "asr_stream"

	ReasonRefineCall      ReasonCode = "refine_call"
	ReasonRefineTimeout   ReasonCode = "refine_timeout"
	ReasonRefineRateLimit ReasonCode = "refine_rate_limit"
)

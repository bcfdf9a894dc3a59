package schema

// DoneSentinel terminates every server-push stream, on success and
// failure paths alike.
const DoneSentinel = "[DONE]"

// WireError is the error stream envelope emitted before the sentinel
// when a run aborts at the transport level.
type WireError struct {
	Error WireErrorBody `json:"error"`
}

type WireErrorBody struct {
	StatusCode int    `json:"status_code"`
	Type       string `json:"type"`
	Detail     string `json:"detail"`
}

// NewWireError builds the error envelope for a transport-level failure.
func NewWireError(statusCode int, errType, detail string) WireError {
	return WireError{Error: WireErrorBody{
		StatusCode: statusCode,
		Type:       errType,
		Detail:     detail,
	}}
}

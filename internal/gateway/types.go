// Package gateway adapts the remote language-model inference endpoint.
// It builds one structured request per turn (system instruction, rolling
// history, current turn, inline images), issues exactly one attempt, and
// converts every failure into a user-facing fallback reply plus a
// side-channel notice. Failures never propagate to the caller as errors.
package gateway

// Role is the conversational role of a turn, mapped to the provider
// vocabulary at request-build time.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the rolling history supplied to the model.
type Turn struct {
	Role Role
	Text string
}

// InlineImage is an attachment re-encoded for inline upload.
type InlineImage struct {
	MIME string
	Data []byte
}

// Request is the single structured request for one user turn.
type Request struct {
	History  []Turn
	UserText string
	Images   []InlineImage
}

// FailureKind is the closed taxonomy of gateway failures.
type FailureKind string

const (
	FailNone              FailureKind = ""
	FailConfiguration     FailureKind = "configuration"
	FailNetworkTimeout    FailureKind = "network_timeout"
	FailNetworkOffline    FailureKind = "network_offline"
	FailNetworkUnreached  FailureKind = "network_unreachable"
	FailRateLimited       FailureKind = "rate_limited"
	FailMalformedRequest  FailureKind = "malformed_request"
	FailMalformedResponse FailureKind = "malformed_response"
)

// Response carries the reply text (real or fallback) plus the side-channel
// notice for the transient notice surface. Failure is FailNone on success.
type Response struct {
	Text    string
	Failure FailureKind
	Notice  string
}

// Failed reports whether the reply text is a fallback rather than
// generated content.
func (r Response) Failed() bool {
	return r.Failure != FailNone
}

// Fixed user-facing fallback replies per failure kind.
var fallbackText = map[FailureKind]string{
	FailConfiguration:     "I'm not set up to reach my assistant service yet. Please add an API key in settings and try again.",
	FailNetworkTimeout:    "That took too long to answer. Please check your connection and try again.",
	FailNetworkOffline:    "You appear to be offline. Reconnect and send your message again.",
	FailNetworkUnreached:  "I couldn't reach the assistant service. Please try again in a moment.",
	FailRateLimited:       "I'm receiving too many requests right now. Please wait a little while before trying again.",
	FailMalformedRequest:  "Something went wrong preparing your message. Please try sending it again.",
	FailMalformedResponse: "I received an unexpected reply from the assistant service. Please try again.",
}

var noticeText = map[FailureKind]string{
	FailConfiguration:     "assistant not configured",
	FailNetworkTimeout:    "network timeout",
	FailNetworkOffline:    "no connectivity",
	FailNetworkUnreached:  "assistant service unreachable",
	FailRateLimited:       "rate limited by assistant service",
	FailMalformedRequest:  "request rejected by assistant service",
	FailMalformedResponse: "unexpected assistant response",
}

// FallbackText returns the fixed reply for a failure kind.
func FallbackText(kind FailureKind) string {
	return fallbackText[kind]
}

func failureResponse(kind FailureKind) Response {
	return Response{Text: fallbackText[kind], Failure: kind, Notice: noticeText[kind]}
}

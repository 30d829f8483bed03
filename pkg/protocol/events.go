package protocol

// WebSocket event names pushed from server to client.
const (
	EventDiscussionStarted    = "discussion-started"
	EventMessageStart         = "message-start"
	EventMessageChunk         = "message-chunk"
	EventMessageComplete      = "message-complete"
	EventRoundComplete        = "round-complete"
	EventQuestionsGenerated   = "questions-generated"
	EventSummaryCreated       = "summary-created"
	EventConversationResolved = "conversation-resolved"
	EventError                = "error"

	// System events (not discussion-scoped).
	EventHealth   = "health"
	EventShutdown = "shutdown"
	EventTick     = "tick"
)

// Error codes carried in the payload of EventError.
const (
	ErrCodeInvalid             = "Invalid"
	ErrCodeNotFound            = "NotFound"
	ErrCodeForbidden           = "Forbidden"
	ErrCodeConflict            = "Conflict"
	ErrCodeAlreadyProcessing   = "AlreadyProcessing"
	ErrCodeRateLimited         = "RateLimited"
	ErrCodeProviderUnavailable = "ProviderUnavailable"
	ErrCodeInternal            = "Internal"
	ErrCodeShutdown            = "Shutdown"
)

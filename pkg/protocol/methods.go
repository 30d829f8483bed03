package protocol

// RPC method name constants for inbound client events.
const (
	// Deliberation lifecycle
	MethodStartDialogue     = "start-dialogue"
	MethodProceedDialogue   = "proceed-dialogue"
	MethodGenerateQuestions = "generate-questions"
	MethodSubmitAnswers     = "submit-answers"

	// Discussion management
	MethodDiscussionsList   = "discussions.list"
	MethodDiscussionsGet    = "discussions.get"
	MethodDiscussionsDelete = "discussions.delete"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

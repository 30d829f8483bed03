package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/trialogue/internal/scheduler"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

// HandlerFunc processes one inbound method frame and returns the result for
// the response frame.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

// MethodRouter dispatches inbound frames to their handlers.
type MethodRouter struct {
	server   *Server
	handlers map[string]HandlerFunc
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]HandlerFunc)}

	r.handlers[protocol.MethodConnect] = r.handleConnect
	r.handlers[protocol.MethodHealth] = r.handleHealth
	r.handlers[protocol.MethodStatus] = r.handleStatus
	r.handlers[protocol.MethodStartDialogue] = r.handleStartDialogue
	r.handlers[protocol.MethodProceedDialogue] = r.handleProceedDialogue
	r.handlers[protocol.MethodGenerateQuestions] = r.handleGenerateQuestions
	r.handlers[protocol.MethodSubmitAnswers] = r.handleSubmitAnswers
	r.handlers[protocol.MethodDiscussionsList] = r.handleDiscussionsList
	r.handlers[protocol.MethodDiscussionsGet] = r.handleDiscussionsGet
	r.handlers[protocol.MethodDiscussionsDelete] = r.handleDiscussionsDelete

	return r
}

// Dispatch runs the handler and sends the response frame as the ack.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, frame protocol.MethodFrame) {
	if r.server.Draining() {
		c.SendResponse(protocol.ResponseFrame{
			ID: frame.ID,
			OK: false,
			Error: &protocol.ErrorBody{
				Code:    protocol.ErrCodeShutdown,
				Message: "server is draining; reconnect shortly",
			},
		})
		return
	}

	handler, ok := r.handlers[frame.Method]
	if !ok {
		c.SendResponse(protocol.ResponseFrame{
			ID: frame.ID,
			OK: false,
			Error: &protocol.ErrorBody{
				Code:    protocol.ErrCodeInvalid,
				Message: fmt.Sprintf("unknown method %q", frame.Method),
			},
		})
		return
	}

	result, err := handler(ctx, c, frame.Params)
	if err != nil {
		slog.Debug("method failed", "method", frame.Method, "client", c.id, "error", err)
		c.SendResponse(protocol.ResponseFrame{
			ID: frame.ID, OK: false, Error: errorBody(err),
		})
		return
	}
	c.SendResponse(protocol.ResponseFrame{ID: frame.ID, OK: true, Result: result})
}

func errorBody(err error) *protocol.ErrorBody {
	body := &protocol.ErrorBody{
		Code:       scheduler.ErrorCode(err),
		Message:    err.Error(),
		Suggestion: scheduler.Suggestion(err),
	}
	if body.Code == protocol.ErrCodeInternal {
		// Internals are logged with context; the client gets a generic line.
		body.Message = "internal error"
	}
	if body.Code == protocol.ErrCodeRateLimited {
		body.RetryAfter = 60
	}
	return body
}

// userID resolves the acting identity: the params' userId wins, then the
// session's bound identity.
func (r *MethodRouter) userID(c *Client, fromParams string) (string, error) {
	if fromParams != "" {
		return fromParams, nil
	}
	if id := c.UserID(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: no user identity; call connect first or pass userId", store.ErrForbidden)
}

type connectParams struct {
	UserID string `json:"userId"`
}

func (r *MethodRouter) handleConnect(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p connectParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalid, err)
		}
	}
	if p.UserID != "" {
		if r.server.identity != nil {
			if err := r.server.identity.VerifyUser(ctx, p.UserID); err != nil {
				return nil, err
			}
		}
		c.setUserID(p.UserID)
	}
	return map[string]interface{}{
		"socketId": c.id,
		"protocol": protocol.ProtocolVersion,
	}, nil
}

func (r *MethodRouter) handleHealth(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
}

type statusParams struct {
	DiscussionID string `json:"discussionId"`
}

func (r *MethodRouter) handleStatus(_ context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	var p statusParams
	if err := json.Unmarshal(params, &p); err != nil || p.DiscussionID == "" {
		return nil, fmt.Errorf("%w: discussionId required", store.ErrInvalid)
	}
	return map[string]interface{}{
		"discussionId": p.DiscussionID,
		"state":        r.server.sched.StateOf(p.DiscussionID),
	}, nil
}

type startDialogueParams struct {
	Topic  string          `json:"topic"`
	Files  []store.FileRef `json:"files,omitempty"`
	UserID string          `json:"userId,omitempty"`
}

func (r *MethodRouter) handleStartDialogue(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p startDialogueParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	user, err := r.userID(c, p.UserID)
	if err != nil {
		return nil, err
	}

	// Subscribe before the first event so discussion-started is not lost.
	id := uuid.NewString()
	r.server.hub.Subscribe(id, c)

	d, err := r.server.sched.Start(ctx, user, p.Topic, id, p.Files)
	if err != nil {
		r.server.hub.Unsubscribe(id, c)
		return nil, err
	}
	return map[string]interface{}{"discussionId": d.ID, "currentRound": d.CurrentRound}, nil
}

type discussionParams struct {
	DiscussionID string `json:"discussionId"`
	UserID       string `json:"userId,omitempty"`
}

func (r *MethodRouter) handleProceedDialogue(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p discussionParams
	if err := json.Unmarshal(params, &p); err != nil || p.DiscussionID == "" {
		return nil, fmt.Errorf("%w: discussionId required", store.ErrInvalid)
	}
	user, err := r.userID(c, p.UserID)
	if err != nil {
		return nil, err
	}

	r.server.hub.Subscribe(p.DiscussionID, c)
	d, err := r.server.sched.Proceed(ctx, user, p.DiscussionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"discussionId": d.ID, "currentRound": d.CurrentRound, "isResolved": d.IsResolved}, nil
}

type generateQuestionsParams struct {
	DiscussionID string `json:"discussionId"`
	RoundNumber  int    `json:"roundNumber,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

func (r *MethodRouter) handleGenerateQuestions(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p generateQuestionsParams
	if err := json.Unmarshal(params, &p); err != nil || p.DiscussionID == "" {
		return nil, fmt.Errorf("%w: discussionId required", store.ErrInvalid)
	}
	user, err := r.userID(c, p.UserID)
	if err != nil {
		return nil, err
	}

	r.server.hub.Subscribe(p.DiscussionID, c)
	qs, err := r.server.sched.GenerateQuestions(ctx, user, p.DiscussionID, p.RoundNumber)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"questionSet": qs}, nil
}

type submitAnswersParams struct {
	DiscussionID string              `json:"discussionId"`
	RoundNumber  int                 `json:"roundNumber"`
	Answers      map[string][]string `json:"answers"`
	UserID       string              `json:"userId,omitempty"`
}

func (r *MethodRouter) handleSubmitAnswers(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p submitAnswersParams
	if err := json.Unmarshal(params, &p); err != nil || p.DiscussionID == "" || p.RoundNumber <= 0 {
		return nil, fmt.Errorf("%w: discussionId and roundNumber required", store.ErrInvalid)
	}
	user, err := r.userID(c, p.UserID)
	if err != nil {
		return nil, err
	}
	if err := r.server.sched.SubmitAnswers(ctx, user, p.DiscussionID, p.RoundNumber, p.Answers); err != nil {
		return nil, err
	}
	return map[string]interface{}{"recorded": len(p.Answers)}, nil
}

type listParams struct {
	Limit  int    `json:"limit,omitempty"`
	UserID string `json:"userId,omitempty"`
}

func (r *MethodRouter) handleDiscussionsList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalid, err)
		}
	}
	user, err := r.userID(c, p.UserID)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	infos, err := r.server.store.ListByUser(ctx, user, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"discussions": infos}, nil
}

func (r *MethodRouter) handleDiscussionsGet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p discussionParams
	if err := json.Unmarshal(params, &p); err != nil || p.DiscussionID == "" {
		return nil, fmt.Errorf("%w: discussionId required", store.ErrInvalid)
	}
	user, err := r.userID(c, p.UserID)
	if err != nil {
		return nil, err
	}
	d, err := r.server.store.Read(ctx, p.DiscussionID, user)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"discussion": d}, nil
}

func (r *MethodRouter) handleDiscussionsDelete(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalid, err)
		}
	}
	user, err := r.userID(c, p.UserID)
	if err != nil {
		return nil, err
	}
	if err := r.server.store.DeleteAll(ctx, user); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

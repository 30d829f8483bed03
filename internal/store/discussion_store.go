package store

import "context"

// DiscussionInfo is lightweight discussion metadata for listing.
type DiscussionInfo struct {
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	CurrentRound int    `json:"currentRound"`
	IsResolved   bool   `json:"isResolved"`
	TokenCount   int    `json:"tokenCount"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// DiscussionStore owns the durable discussion record. The journal file is
// the source of truth; the metadata index is a reconcilable derivative.
type DiscussionStore interface {
	// Create produces a new journal and index row. id may be supplied for
	// idempotent rebinding; "" generates a new UUID.
	Create(ctx context.Context, userID, topic, id string, files []FileRef) (*Discussion, error)

	// Read loads a discussion. ErrNotFound if the journal is absent,
	// ErrForbidden if ownership does not match.
	Read(ctx context.Context, id, userID string) (*Discussion, error)

	// AppendRound writes a round under the file lock (single writer).
	AppendRound(ctx context.Context, id, userID string, round Round) error

	// AppendSummary installs a summary and shifts the inclusion window.
	AppendSummary(ctx context.Context, id, userID string, summary Summary) error

	// AppendQuestions stores a question set, attaching it to the round of
	// matching number when present.
	AppendQuestions(ctx context.Context, id, userID string, qs QuestionSet) error

	// RecordAnswers validates each key against the round's known question
	// ids (ErrInvalid otherwise) and stores the selections.
	RecordAnswers(ctx context.Context, id, userID string, roundNumber int, answers map[string][]string) error

	// MarkResolved flags the discussion as resolved.
	MarkResolved(ctx context.Context, id, userID string) error

	// ListByUser returns up to limit discussions, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]DiscussionInfo, error)

	// DeleteAll removes every discussion owned by userID, journals included.
	DeleteAll(ctx context.Context, userID string) error

	// EnsureSoleActive enforces the one-active-discussion invariant: under
	// the user-scoped file lock, stale unresolved discussions are
	// force-resolved; the single remaining active discussion (or nil) is
	// returned.
	EnsureSoleActive(ctx context.Context, userID string) (*Discussion, error)

	// CreateActive runs the sole-active check and the creation under one
	// hold of the user-scoped lock, so the check is atomic with creation.
	// Rebinding to the existing active discussion's own id is idempotent;
	// any other active discussion is ErrConflict.
	CreateActive(ctx context.Context, userID, topic, id string, files []FileRef) (*Discussion, error)
}

// MetadataIndex is the relational derivative of the journal. Implementations
// must restrict updates to the whitelisted field set.
type MetadataIndex interface {
	Upsert(ctx context.Context, d *Discussion) error
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	Get(ctx context.Context, id string) (*IndexRow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]IndexRow, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// IndexRow mirrors one row of the discussions table.
type IndexRow struct {
	ID               string
	UserID           string
	Topic            string
	FilePath         string
	DocPath          string
	TokenCount       int
	TokenLimit       int
	Summary          string
	SummaryCreatedAt int64
	CreatedAt        int64
	UpdatedAt        int64
	IsResolved       bool
	NeedsUserInput   bool
	UserInputPending bool
	CurrentTurn      int
}

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskType names the pipeline stage a task advances.
type TaskType string

const (
	TaskFetch   TaskType = "fetch"
	TaskAnalyze TaskType = "analyze"
	TaskWrite   TaskType = "write"
	TaskReview  TaskType = "review"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskFetch, TaskAnalyze, TaskWrite, TaskReview:
		return true
	}
	return false
}

// Priority orders worker pulls; it never preempts in-flight work.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to a sortable integer (higher first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority accepts low|medium|high in any case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Rank() == 0 {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	// TaskDeferred is terminal for policy denials (budget, quota, open circuit).
	// Deferred tasks are retried automatically by the requeue sweep.
	TaskDeferred TaskStatus = "deferred"
)

// Terminal reports whether no further status change is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskDeferred
}

// CanTransition enforces pending -> processing -> {completed|failed|deferred}.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskPending:
		return to == TaskProcessing
	case TaskProcessing:
		return to.Terminal()
	}
	return false
}

// Task is a unit of pipeline work. Metadata is carried as a typed payload.
type Task struct {
	ID           string
	Owner        string
	Type         TaskType
	Priority     Priority
	Status       TaskStatus
	SourceURL    string
	Payload      TaskPayload
	ErrorDetails string
	DenyReason   string
	RetryAfter   time.Time
	RetryOf      string
	RequeuedAt   time.Time
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// NewTask is the insert shape used by task creation.
type NewTask struct {
	Owner     string
	Priority  Priority
	SourceURL string
	Payload   TaskPayload
	RetryOf   string
}

// Type derives the task type from the payload variant.
func (n NewTask) Type() TaskType {
	if n.Payload == nil {
		return ""
	}
	return n.Payload.TaskType()
}

// Validate checks the insert shape including the payload variant.
func (n NewTask) Validate() error {
	if n.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "payload is required"}
	}
	if n.Priority.Rank() == 0 {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", n.Priority)}
	}
	return n.Payload.Validate()
}

// Outcome is what a stage handler reports back to the scheduler.
type Outcome struct {
	Status     TaskStatus
	Details    string
	RetryAfter time.Time
}

// TaskPayload is the tagged union of per-type task metadata.
type TaskPayload interface {
	TaskType() TaskType
	Validate() error
}

// FeedEntry is one item returned by a feed, API or listing page.
type FeedEntry struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Body        string    `json:"body"`
	Link        string    `json:"link"`
	MediaURL    string    `json:"media_url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// FetchPayload asks the fetch worker to materialise an entry as a pipeline item.
type FetchPayload struct {
	SourceID  string    `json:"source_id"`
	Entry     FeedEntry `json:"entry"`
	Relevance float64   `json:"relevance"`
	Signature string    `json:"signature"`
}

func (FetchPayload) TaskType() TaskType { return TaskFetch }

func (p FetchPayload) Validate() error {
	if p.SourceID == "" {
		return &ValidationError{Field: "source_id", Reason: "required"}
	}
	if strings.TrimSpace(p.Entry.Title) == "" && strings.TrimSpace(p.Entry.Link) == "" {
		return &ValidationError{Field: "entry", Reason: "title or link required"}
	}
	return nil
}

// AnalyzePayload points at the item to enrich.
type AnalyzePayload struct {
	PipelineItemID string `json:"pipeline_item_id"`
}

func (AnalyzePayload) TaskType() TaskType { return TaskAnalyze }

func (p AnalyzePayload) Validate() error {
	return requireItemID(p.PipelineItemID)
}

// WritePayload points at the item to draft; ServiceID pins a generative service.
type WritePayload struct {
	PipelineItemID string `json:"pipeline_item_id"`
	ServiceID      string `json:"service_id,omitempty"`
	Revision       int    `json:"revision,omitempty"`
	RevisionNotes  string `json:"revision_notes,omitempty"`
}

func (WritePayload) TaskType() TaskType { return TaskWrite }

func (p WritePayload) Validate() error {
	if p.Revision < 0 {
		return &ValidationError{Field: "revision", Reason: "must not be negative"}
	}
	return requireItemID(p.PipelineItemID)
}

// ReviewPayload points at the drafted item to gate.
type ReviewPayload struct {
	PipelineItemID string `json:"pipeline_item_id"`
}

func (ReviewPayload) TaskType() TaskType { return TaskReview }

func (p ReviewPayload) Validate() error {
	return requireItemID(p.PipelineItemID)
}

func requireItemID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "pipeline_item_id", Reason: "required"}
	}
	return nil
}

// EncodePayload serialises a payload for storage.
func EncodePayload(p TaskPayload) ([]byte, error) {
	if p == nil {
		return nil, &ValidationError{Field: "payload", Reason: "payload is required"}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.TaskType(), err)
	}
	return raw, nil
}

// DecodePayload picks the variant by task type and validates it.
func DecodePayload(t TaskType, raw []byte) (TaskPayload, error) {
	var (
		payload TaskPayload
		err     error
	)

	switch t {
	case TaskFetch:
		var p FetchPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TaskAnalyze:
		var p AnalyzePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TaskWrite:
		var p WritePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TaskReview:
		var p ReviewPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", t)}
	}

	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// ItemID returns the pipeline item a payload refers to, if any.
func ItemID(p TaskPayload) string {
	switch v := p.(type) {
	case AnalyzePayload:
		return v.PipelineItemID
	case WritePayload:
		return v.PipelineItemID
	case ReviewPayload:
		return v.PipelineItemID
	}
	return ""
}

package tracker

import "context"

// Item is one candidate work item from the issue source.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// Item statuses the orchestration core sets.
const (
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Tracker is the issue-source capability the dispatcher and completion
// engine run against. project is the project's working directory; the
// backend resolves the repository from it.
type Tracker interface {
	ListReady(ctx context.Context, project, label string) ([]Item, error)
	SetStatus(ctx context.Context, project, id, status string) error
	CreateLinked(ctx context.Context, project, title, parentID string) (string, error)
}

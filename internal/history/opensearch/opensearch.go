package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/corralhq/corral/internal/history"
)

// Sink indexes lifecycle events into OpenSearch over HTTP: one document per
// event, POSTed to baseURL/index/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document is the indexed shape. Flat fields rather than the nested agent
// record, so the index maps the same columns as the SQL sinks.
type document struct {
	Event       string    `json:"event"`
	OccurredAt  time.Time `json:"occurred_at"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	PaneID      string    `json:"pane_id,omitempty"`
	ProjectDir  string    `json:"project_dir,omitempty"`
	TrackerRef  string    `json:"tracker_ref,omitempty"`
	SpawnedAt   time.Time `json:"spawned_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	a := e.Agent
	doc := document{
		Event:       string(e.Type),
		OccurredAt:  e.OccurredAt.UTC(),
		AgentID:     a.ID,
		Status:      string(a.Status),
		PaneID:      a.Handle.PaneID,
		ProjectDir:  a.ProjectDir,
		TrackerRef:  a.TrackerRef,
		SpawnedAt:   a.SpawnedAt,
		CompletedAt: a.CompletedAt,
	}
	if a.Completion != nil {
		doc.Error = a.Completion.Error
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}

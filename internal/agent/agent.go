package agent

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle phase of an agent. Transitions only ever move
// forward: active -> completing -> {completed, failed}, or directly from
// active to a terminal status (reconciliation shortcut).
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether s is an end state that must never be overwritten.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward move.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusCompleting || next.Terminal()
	case StatusCompleting:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// CompletionMode distinguishes an inline shutdown cascade from one delegated
// to a detached cleanup daemon.
type CompletionMode string

const (
	ModeSync  CompletionMode = "sync"
	ModeAsync CompletionMode = "async"
)

// Handle references a process-host session. Target is the human-meaningful
// address (e.g. "corral-abc:0.1"); PaneID is the host's stable internal id
// (e.g. "%42") that survives renumbering. Callers must compare on PaneID
// whenever it is present.
type Handle struct {
	Target string `json:"target"`
	PaneID string `json:"pane_id,omitempty"`
}

// Key returns the identifier used for liveness comparisons.
func (h Handle) Key() string {
	if h.PaneID != "" {
		return h.PaneID
	}
	return h.Target
}

// Completion records how an agent's terminal transition was driven. It is
// populated exactly once, when completion begins.
type Completion struct {
	Mode             CompletionMode `json:"mode"`
	StartedAt        time.Time      `json:"started_at"`
	DaemonPID        int            `json:"daemon_pid,omitempty"`
	WorkspaceCleaned bool           `json:"workspace_cleaned,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Agent is one tracked unit of autonomous work, backed by a process-host
// session. Records are never physically deleted; terminal rows remain for
// history until externally pruned.
type Agent struct {
	ID            string      `json:"id"`
	Task          string      `json:"task"`
	Handle        Handle      `json:"handle"`
	ProjectDir    string      `json:"project_dir"`
	WorkspacePath string      `json:"workspace_path"`
	OriginDir     string      `json:"origin_dir,omitempty"`
	Status        Status      `json:"status"`
	SpawnedAt     time.Time   `json:"spawned_at"`
	CompletedAt   time.Time   `json:"completed_at,omitzero"`
	Completion    *Completion `json:"completion,omitempty"`
	TrackerRef    string      `json:"tracker_ref,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NeedsSyncBack reports whether the agent was spawned against a repository
// other than its working copy, obligating a sync on completion.
func (a *Agent) NeedsSyncBack() bool {
	return a.OriginDir != "" && a.OriginDir != a.ProjectDir
}

// NewID returns a fresh ULID. ULIDs sort by creation time, which keeps
// listings stable across the independent processes sharing one registry.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Error taxonomy. Component-internal failures (cascade steps, per-candidate
// dispatch) are caught and recorded locally; these sentinels are for the
// contract errors that do surface to callers.
var (
	ErrNotFound               = errors.New("agent not found")
	ErrDuplicateID            = errors.New("agent id already registered")
	ErrHostUnavailable        = errors.New("process host unavailable")
	ErrTrackerUnavailable     = errors.New("issue tracker unavailable")
	ErrAllStrategiesExhausted = errors.New("all shutdown strategies exhausted")
)

// VerificationError reports deliverable checks that did not pass. It is
// advisory: callers may force completion past it.
type VerificationError struct {
	Checks []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %d check(s) did not pass", len(e.Checks))
}

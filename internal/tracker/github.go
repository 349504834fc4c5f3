package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/corralhq/corral/internal/agent"
)

// GitHub implements Tracker on top of the gh CLI. The repository is
// resolved by gh itself from the project directory each call runs in.
type GitHub struct {
	// ReadyLabel is removed from an issue when it moves to in_progress.
	ReadyLabel string

	run func(ctx context.Context, dir string, args ...string) (string, error)
}

func NewGitHub(readyLabel string) *GitHub {
	g := &GitHub{ReadyLabel: readyLabel}
	g.run = g.exec
	return g
}

func (g *GitHub) exec(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: gh %s: %v: %s",
			agent.ErrTrackerUnavailable, args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// typeLabelPrefix marks the label carrying an issue's declared work type,
// e.g. "type:bug".
const typeLabelPrefix = "type:"

func (g *GitHub) ListReady(ctx context.Context, project, label string) ([]Item, error) {
	out, err := g.run(ctx, project,
		"issue", "list", "--state", "open", "--label", label,
		"--json", "number,title,labels")
	if err != nil {
		return nil, err
	}
	var issues []ghIssue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("%w: decode issue list: %v", agent.ErrTrackerUnavailable, err)
	}
	items := make([]Item, 0, len(issues))
	for _, is := range issues {
		item := Item{ID: fmt.Sprintf("%d", is.Number), Title: is.Title}
		for _, l := range is.Labels {
			if strings.HasPrefix(l.Name, typeLabelPrefix) {
				item.Type = strings.TrimPrefix(l.Name, typeLabelPrefix)
				break
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func (g *GitHub) SetStatus(ctx context.Context, project, id, status string) error {
	switch status {
	case StatusInProgress:
		args := []string{"issue", "edit", id, "--add-label", "in-progress"}
		if g.ReadyLabel != "" {
			args = append(args, "--remove-label", g.ReadyLabel)
		}
		_, err := g.run(ctx, project, args...)
		return err
	case StatusDone:
		_, err := g.run(ctx, project, "issue", "close", id)
		return err
	}
	return fmt.Errorf("unknown tracker status %q", status)
}

func (g *GitHub) CreateLinked(ctx context.Context, project, title, parentID string) (string, error) {
	body := "Follow-up work discovered during an agent run."
	if parentID != "" {
		body = fmt.Sprintf("Follow-up of #%s, discovered during an agent run.", parentID)
	}
	out, err := g.run(ctx, project, "issue", "create", "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	// gh prints the new issue URL on the last line.
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: empty issue create output", agent.ErrTrackerUnavailable)
	}
	url := lines[len(lines)-1]
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:], nil
	}
	return url, nil
}

package heal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
)

// ErrSessionNotFound is returned for ids neither active nor archived.
var ErrSessionNotFound = &core.Error{Kind: core.KindNotFound, Message: "healing session not found"}

type PullRequestRef struct {
	Repo   github.RepoRef `json:"repo"`
	Number int            `json:"number"`
}

func (r PullRequestRef) String() string { return fmt.Sprintf("%s#%d", r.Repo, r.Number) }

type ArtifactRef struct {
	Name string `json:"name"`
	Ref  string `json:"ref"`
}

// Session is a snapshot of one healing attempt on a pull request.
type Session struct {
	ID          string         `json:"id"`
	PullRequest PullRequestRef `json:"pull_request"`
	Progress

	Cycle          int                 `json:"cycle"`
	HeadBranch     string              `json:"head_branch,omitempty"`
	HeadSHA        string              `json:"head_sha,omitempty"`
	FailingRun     *github.WorkflowRun `json:"failing_run,omitempty"`
	Classification *Classification     `json:"classification,omitempty"`
	Proposal       *PatchProposal      `json:"proposal,omitempty"`
	CommitSHA      string              `json:"commit_sha,omitempty"`
	Artifacts      []ArtifactRef       `json:"artifacts,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (s Session) Active() bool { return !s.Stage.Terminal() }

func (s Session) clone() Session {
	out := s
	out.Attempts = make(map[Stage]int, len(s.Attempts))
	for k, v := range s.Attempts {
		out.Attempts[k] = v
	}
	out.History = append([]HistoryEntry(nil), s.History...)
	out.Artifacts = append([]ArtifactRef(nil), s.Artifacts...)
	if s.FailingRun != nil {
		run := *s.FailingRun
		out.FailingRun = &run
	}
	if s.Classification != nil {
		c := *s.Classification
		out.Classification = &c
	}
	if s.Proposal != nil {
		p := *s.Proposal
		p.TargetFiles = append([]string(nil), s.Proposal.TargetFiles...)
		out.Proposal = &p
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Archive persists session snapshots. Save is called on every transition.
type Archive interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// List returns sessions newest first; limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Session, error)
}

// ArtifactSink stores logs and diffs produced by a session and returns a reference.
type ArtifactSink interface {
	SaveArtifact(ctx context.Context, sessionID, name string, data []byte) (string, error)
}

// BranchInvalidator drops cached state that depends on a branch tip.
type BranchInvalidator interface {
	InvalidateBranch(repo github.RepoRef, branch string)
}

type MemoryArchive struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{sessions: make(map[string]Session)}
}

func (a *MemoryArchive) Save(_ context.Context, s Session) error {
	a.mu.Lock()
	a.sessions[s.ID] = s.clone()
	a.mu.Unlock()
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, id string) (Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (a *MemoryArchive) List(_ context.Context, limit int) ([]Session, error) {
	a.mu.RLock()
	out := make([]Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s.clone())
	}
	a.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

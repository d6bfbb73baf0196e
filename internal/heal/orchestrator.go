// Package heal drives failing pull requests through detection, classification,
// patching, commit and re-check until CI passes or a bound is reached.
package heal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/github"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

var ErrClosed = errors.New("heal: orchestrator is closed")

type Config struct {
	Bounds            Bounds
	MinConfidence     float64
	MaxActiveSessions int
	RecheckTimeout    time.Duration
	RecheckInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Bounds:            DefaultBounds(),
		MinConfidence:     0.6,
		MaxActiveSessions: 10,
		RecheckTimeout:    30 * time.Minute,
		RecheckInterval:   30 * time.Second,
	}
}

// Backoff returns the wait before retry number attempt of a stage.
type Backoff func(attempt int, err error) time.Duration

// ExponentialBackoff doubles from base up to max. A Retry-After given by the host wins.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int, err error) time.Duration {
		if ra := github.RetryAfterOf(err); ra > 0 {
			return min(ra, max)
		}
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt && d < max; i++ {
			d *= 2
		}
		return min(d, max)
	}
}

type Option func(*Orchestrator)

func WithArchive(a Archive) Option { return func(o *Orchestrator) { o.archive = a } }

func WithArtifacts(s ArtifactSink) Option { return func(o *Orchestrator) { o.artifacts = s } }

func WithInvalidator(inv BranchInvalidator) Option {
	return func(o *Orchestrator) { o.invalidator = inv }
}

// WithPolicy sets the path policy every proposal is checked against.
func WithPolicy(p *core.Policy) Option { return func(o *Orchestrator) { o.policy = p } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithBackoff(b Backoff) Option { return func(o *Orchestrator) { o.backoff = b } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator owns the active healing sessions. Sessions for different pull requests
// run concurrently; each session advances one stage at a time.
type Orchestrator struct {
	dispatcher  tools.Dispatcher
	generator   PatchGenerator
	cfg         Config
	archive     Archive
	artifacts   ArtifactSink
	invalidator BranchInvalidator
	policy      *core.Policy
	logger      *slog.Logger
	backoff     Backoff
	now         func() time.Time

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[string]*run
	byPR     map[string]string
	// retained holds finished sessions the archive has not accepted yet.
	retained map[string]Session
	closed   bool
}

// run is the mutable state behind one active session.
type run struct {
	mu       sync.Mutex
	s        Session
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logs     string
	files    []github.CommitFile
	recheck0 time.Time

	// version orders snapshots so a slow save never overwrites a newer one.
	version int64
	saveMu  sync.Mutex
	saved   int64
}

func (r *run) snapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.clone()
}

func (r *run) update(fn func(s *Session)) {
	r.mu.Lock()
	fn(&r.s)
	r.mu.Unlock()
}

func New(d tools.Dispatcher, gen PatchGenerator, cfg Config, opts ...Option) (*Orchestrator, error) {
	if d == nil {
		return nil, errors.New("heal: dispatcher is required")
	}
	if gen == nil {
		gen = RuleGenerator{}
	}
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, err
	}
	if cfg.RecheckTimeout <= 0 {
		cfg.RecheckTimeout = DefaultConfig().RecheckTimeout
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultConfig().RecheckInterval
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		dispatcher: d,
		generator:  gen,
		cfg:        cfg,
		backoff:    ExponentialBackoff(500*time.Millisecond, 30*time.Second),
		now:        time.Now,
		base:       base,
		stop:       stop,
		sessions:   make(map[string]*run),
		byPR:       make(map[string]string),
		retained:   make(map[string]Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.archive == nil {
		o.archive = NewMemoryArchive()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// Start opens a session for pr and returns its initial snapshot. The session runs in
// the background.
func (o *Orchestrator) Start(ctx context.Context, pr PullRequestRef) (Session, error) {
	if pr.Number <= 0 {
		return Session{}, core.ValidationErrorf("pull request number must be positive")
	}
	if pr.Repo.Owner == "" || pr.Repo.Name == "" {
		return Session{}, core.ValidationErrorf("repository is required")
	}
	key := pr.String()
	now := o.now()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Session{}, ErrClosed
	}
	if id, ok := o.byPR[key]; ok {
		o.mu.Unlock()
		return Session{}, &core.SessionConflictError{PullRequest: key, SessionID: id}
	}
	if o.cfg.MaxActiveSessions > 0 && len(o.sessions) >= o.cfg.MaxActiveSessions {
		o.mu.Unlock()
		return Session{}, core.Errorf(core.KindCapacity, "%d healing sessions already active", len(o.sessions))
	}
	rctx, cancel := context.WithCancel(o.base)
	r := &run{
		s: Session{
			ID:          uuid.NewString(),
			PullRequest: pr,
			Progress:    NewProgress(),
			Cycle:       1,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.sessions[r.s.ID] = r
	o.byPR[key] = r.s.ID
	o.wg.Add(1)
	o.mu.Unlock()

	snap := r.snapshot()
	o.persist(r, snap, 0)
	o.sessionLogger(snap).Info("healing session started")
	go o.drive(r)
	return snap, nil
}

// Get returns an active session or an archived one.
func (o *Orchestrator) Get(ctx context.Context, id string) (Session, error) {
	o.mu.Lock()
	r, ok := o.sessions[id]
	o.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	return o.finished(ctx, id)
}

// finished reads a terminal session, preferring a retained snapshot over the archive.
func (o *Orchestrator) finished(ctx context.Context, id string) (Session, error) {
	o.mu.Lock()
	s, ok := o.retained[id]
	o.mu.Unlock()
	if ok {
		return s.clone(), nil
	}
	return o.archive.Get(ctx, id)
}

// flushRetained offers retained sessions to the archive again.
func (o *Orchestrator) flushRetained(ctx context.Context) {
	o.mu.Lock()
	pending := make([]Session, 0, len(o.retained))
	for _, s := range o.retained {
		pending = append(pending, s)
	}
	o.mu.Unlock()

	for _, s := range pending {
		if err := o.archive.Save(ctx, s); err != nil {
			o.sessionLogger(s).Warn("archive retained session failed", "err", err)
			continue
		}
		o.mu.Lock()
		delete(o.retained, s.ID)
		o.mu.Unlock()
	}
}

// List returns active and archived sessions, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]Session, error) {
	o.flushRetained(ctx)

	o.mu.Lock()
	active := make([]*run, 0, len(o.sessions))
	for _, r := range o.sessions {
		active = append(active, r)
	}
	out := make([]Session, 0, len(active)+len(o.retained))
	for _, s := range o.retained {
		out = append(out, s.clone())
	}
	o.mu.Unlock()

	seen := make(map[string]bool, len(out)+len(active))
	for _, s := range out {
		seen[s.ID] = true
	}
	for _, r := range active {
		s := r.snapshot()
		seen[s.ID] = true
		out = append(out, s)
	}
	archived, err := o.archive.List(ctx, 0)
	if err != nil {
		if len(out) == 0 {
			return nil, err
		}
		o.logger.Warn("list archived sessions failed", "err", err)
	}
	for _, s := range archived {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveCount reports how many sessions are not yet terminal.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Abort stops an active session immediately and cancels its in-flight work.
func (o *Orchestrator) Abort(ctx context.Context, id, reason string) (Session, error) {
	o.mu.Lock()
	r, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		s, err := o.finished(ctx, id)
		if err != nil {
			return Session{}, err
		}
		return s, core.Errorf(core.KindConflict, "session %s already finished as %s", id, s.Result)
	}
	if reason == "" {
		reason = "aborted by request"
	}
	o.apply(r, Event{Type: EventAbort, Detail: reason})
	s := r.snapshot()
	if s.Result != ResultAborted {
		return s, core.Errorf(core.KindConflict, "session %s already finished as %s", id, s.Result)
	}
	return s, nil
}

// Wait blocks until the session is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Session, error) {
	o.mu.Lock()
	r, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return o.finished(ctx, id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Close aborts every active session and waits for their workers.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	active := make([]*run, 0, len(o.sessions))
	for _, r := range o.sessions {
		active = append(active, r)
	}
	o.mu.Unlock()

	for _, r := range active {
		o.apply(r, Event{Type: EventAbort, Detail: "orchestrator shutting down"})
	}
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.flushRetained(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) drive(r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel()

	for {
		s := r.snapshot()
		if s.Stage.Terminal() {
			return
		}
		ev, cause := o.step(r.ctx, r, s)
		if r.ctx.Err() != nil {
			o.apply(r, Event{Type: EventAbort, Detail: "cancelled"})
			continue
		}
		o.apply(r, ev)

		if ev.Type != EventRetry {
			continue
		}
		after := r.snapshot()
		if after.Stage.Terminal() || after.Stage != s.Stage {
			continue
		}
		if err := sleep(r.ctx, o.backoff(after.Attempts[after.Stage]-1, cause)); err != nil {
			continue
		}
	}
}

func (o *Orchestrator) step(ctx context.Context, r *run, s Session) (Event, error) {
	switch s.Stage {
	case StageDetecting:
		return o.detect(ctx, r, s)
	case StageLogsFetched:
		return o.classify(ctx, r, s)
	case StageClassified:
		return o.draft(ctx, r, s)
	case StagePatchDrafted:
		return o.commit(ctx, r, s)
	case StageCommitted:
		return o.rerun(ctx, r, s)
	case StageRechecking:
		return o.recheck(ctx, r, s)
	}
	return Event{Type: EventExhausted, Detail: fmt.Sprintf("no handler for stage %s", s.Stage)}, nil
}

// apply folds ev into the session, performs the resulting effects and persists.
func (o *Orchestrator) apply(r *run, ev Event) {
	ev.At = o.now()
	r.mu.Lock()
	from := r.s.Stage
	effects, err := r.s.Progress.Apply(ev, o.cfg.Bounds)
	if err != nil {
		r.mu.Unlock()
		if !errors.Is(err, ErrTerminal) {
			o.logger.Error("healing transition rejected", "session_id", r.s.ID, "stage", from, "event", ev.Type, "err", err)
		}
		return
	}
	r.s.UpdatedAt = ev.At
	if r.s.Stage.Terminal() {
		at := ev.At
		r.s.FinishedAt = &at
	}
	if ev.Type == EventRerunTriggered {
		r.recheck0 = ev.At
	}
	r.version++
	version := r.version
	snap := r.s.clone()
	r.mu.Unlock()

	log := o.sessionLogger(snap)
	if from != snap.Stage {
		telemetry.IncHealingTransition(string(from), string(snap.Stage))
		log.Info("healing transition", "from", from, "outcome", ev.Type, "detail", ev.Detail)
	} else {
		log.Debug("healing retry", "attempt", snap.Attempts[snap.Stage], "detail", ev.Detail)
	}

	for _, eff := range effects {
		switch eff {
		case EffectInvalidateBranch:
			if o.invalidator != nil && snap.HeadBranch != "" {
				o.invalidator.InvalidateBranch(snap.PullRequest.Repo, snap.HeadBranch)
			}
		case EffectCancelWork:
			r.cancel()
		case EffectArchive:
			telemetry.IncHealingCompleted(string(snap.Result))
		}
	}

	saved := o.persist(r, snap, version)
	if snap.Stage.Terminal() {
		o.release(snap, !saved)
		log.Info("healing session finished", "result", snap.Result, "reason", snap.Reason)
	}
}

// release drops a finished session from the active set. A session the archive did not
// accept is retained so it stays inspectable.
func (o *Orchestrator) release(s Session, retain bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if retain {
		o.retained[s.ID] = s
	}
	delete(o.sessions, s.ID)
	if o.byPR[s.PullRequest.String()] == s.ID {
		delete(o.byPR, s.PullRequest.String())
	}
}

// persist saves s unless a newer snapshot is already saved. It reports whether the
// archive holds s or something newer.
func (o *Orchestrator) persist(r *run, s Session, version int64) bool {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if version < r.saved {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.archive.Save(ctx, s); err != nil {
		o.sessionLogger(s).Warn("archive session failed", "err", err)
		return false
	}
	r.saved = version
	return true
}

func (o *Orchestrator) sessionLogger(s Session) *slog.Logger {
	return o.logger.With(
		"session_id", s.ID,
		"repo", s.PullRequest.Repo.String(),
		"pr_number", s.PullRequest.Number,
		"stage", s.Stage,
	)
}

func (o *Orchestrator) saveArtifact(ctx context.Context, r *run, name string, data []byte) {
	if o.artifacts == nil || len(data) == 0 {
		return
	}
	id := r.snapshot().ID
	ref, err := o.artifacts.SaveArtifact(ctx, id, name, data)
	if err != nil {
		telemetry.IncArtifactWriteFailure()
		o.logger.Warn("save healing artifact failed", "session_id", id, "name", name, "err", err)
		return
	}
	r.update(func(s *Session) { s.Artifacts = append(s.Artifacts, ArtifactRef{Name: name, Ref: ref}) })
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func callTool[T any](ctx context.Context, o *Orchestrator, name string, args map[string]any) (T, error) {
	var zero T
	res := o.dispatcher.Call(ctx, tools.Call{Name: name, Arguments: args})
	if err := res.Err(); err != nil {
		return zero, err
	}
	v, err := tools.As[T](res.Payload())
	if err != nil {
		return zero, core.Wrap(core.KindInternal, name, err)
	}
	return v, nil
}

func retry(err error, format string, args ...any) (Event, error) {
	detail := fmt.Sprintf(format, args...)
	if err != nil {
		detail += ": " + err.Error()
	}
	return Event{Type: EventRetry, Detail: detail}, err
}

func abort(format string, args ...any) (Event, error) {
	return Event{Type: EventAbort, Detail: fmt.Sprintf(format, args...)}, nil
}

// unresolvable reports failures that retrying cannot fix.
func unresolvable(err error) bool {
	switch core.KindOf(err) {
	case core.KindNotFound, core.KindPermanentHost, core.KindForbidden, core.KindValidation:
		return true
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func (o *Orchestrator) readPullRequest(ctx context.Context, r *run, s Session) (github.PullRequest, error) {
	pr, err := callTool[github.PullRequest](ctx, o, "github.get_pr", map[string]any{
		"repo":   s.PullRequest.Repo.String(),
		"number": s.PullRequest.Number,
	})
	if err != nil {
		return pr, err
	}
	r.update(func(s *Session) {
		s.HeadBranch = pr.HeadRef
		s.HeadSHA = pr.HeadSHA
	})
	return pr, nil
}

// detect finds the failing run for the pull request head and fetches its logs.
func (o *Orchestrator) detect(ctx context.Context, r *run, s Session) (Event, error) {
	repo := s.PullRequest.Repo.String()
	pr, err := o.readPullRequest(ctx, r, s)
	if err != nil {
		if unresolvable(err) {
			return abort("pull request not resolvable: %v", err)
		}
		return retry(err, "read pull request")
	}
	if !pr.Open() {
		return abort("pull request is %s", pr.State)
	}

	// Runs still in progress are polled until the recheck timeout without using
	// up detect attempts.
	deadline := o.now().Add(o.cfg.RecheckTimeout)
	var failing *github.WorkflowRun
	for failing == nil {
		runs, err := callTool[[]github.WorkflowRun](ctx, o, "github.list_workflow_runs", map[string]any{
			"repo":     repo,
			"head_sha": pr.HeadSHA,
			"limit":    50,
		})
		if err != nil {
			if unresolvable(err) {
				return abort("workflow runs not resolvable: %v", err)
			}
			return retry(err, "list workflow runs")
		}
		pending := false
		for i := range runs {
			switch runs[i].Status {
			case github.RunFailed:
				if failing == nil {
					failing = &runs[i]
				}
			case github.RunQueued, github.RunRunning:
				pending = true
			}
		}
		switch {
		case failing != nil:
		case !pending:
			return abort("no failing workflow run for head %s", shortSHA(pr.HeadSHA))
		case !o.now().Before(deadline):
			return Event{Type: EventExhausted, Detail: fmt.Sprintf("CI for %s still running after %s", shortSHA(pr.HeadSHA), o.cfg.RecheckTimeout)}, nil
		default:
			if err := sleep(ctx, o.cfg.RecheckInterval); err != nil {
				return Event{Type: EventAbort, Detail: "cancelled"}, err
			}
		}
	}

	logs, err := callTool[github.RunLogs](ctx, o, "github.get_run_logs", map[string]any{
		"repo":   repo,
		"run_id": failing.ID,
	})
	if err != nil {
		if unresolvable(err) {
			return abort("logs of run %d not resolvable: %v", failing.ID, err)
		}
		return retry(err, "fetch logs of run %d", failing.ID)
	}
	r.mu.Lock()
	r.s.FailingRun = failing
	r.logs = logs.Logs
	r.mu.Unlock()
	o.saveArtifact(ctx, r, fmt.Sprintf("run-%d.log", failing.ID), []byte(logs.Logs))
	return Event{Type: EventLogsFetched, Detail: fmt.Sprintf("run %d (%s) failed", failing.ID, failing.Name)}, nil
}

func (o *Orchestrator) classify(ctx context.Context, r *run, s Session) (Event, error) {
	r.mu.Lock()
	logs := r.logs
	r.mu.Unlock()

	c, err := callTool[Classification](ctx, o, "ci.analyze_failure", map[string]any{"logs": logs})
	if err != nil {
		if core.IsRetryable(err) {
			return retry(err, "analyze failure")
		}
		return Event{Type: EventExhausted, Detail: "analyze failure: " + err.Error()}, nil
	}
	r.update(func(s *Session) { s.Classification = &c })
	if !c.Known() || c.Confidence < o.cfg.MinConfidence {
		return Event{Type: EventUnclassified, Detail: c.Evidence}, nil
	}
	return Event{Type: EventClassified, Detail: fmt.Sprintf("%s (%.2f): %s", c.Category, c.Confidence, c.Evidence)}, nil
}

// draft asks the generator for a proposal and checks it applies to the current head.
func (o *Orchestrator) draft(ctx context.Context, r *run, s Session) (Event, error) {
	pr, err := o.readPullRequest(ctx, r, s)
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			return abort("pull request not resolvable: %v", err)
		}
		return retry(err, "read pull request")
	}
	if !pr.Open() {
		return abort("pull request is %s", pr.State)
	}
	if s.Classification == nil {
		return Event{Type: EventExhausted, Detail: "no classification to draft from"}, nil
	}
	c := *s.Classification
	repo := s.PullRequest.Repo.String()

	fetch := o.fetcher(repo, pr.HeadSHA)
	files, err := GatherContext(ctx, fetch, ContextPaths(o.generator, c), c)
	if err != nil {
		return retry(err, "read code context")
	}

	r.mu.Lock()
	logs := r.logs
	r.mu.Unlock()
	proposal, err := o.generator.Propose(ctx, PatchRequest{
		PullRequest:    s.PullRequest,
		HeadBranch:     pr.HeadRef,
		HeadSHA:        pr.HeadSHA,
		Classification: c,
		Logs:           logs,
		Files:          files,
	})
	if errors.Is(err, ErrNoProposal) {
		return Event{Type: EventExhausted, Detail: "draft patch: " + err.Error()}, nil
	}
	if err != nil {
		return retry(err, "draft patch")
	}
	commitFiles, err := PrepareCommit(ctx, fetch, o.policy, proposal, files)
	if err != nil {
		return retry(err, "validate patch")
	}

	r.mu.Lock()
	r.s.Proposal = proposal
	r.files = commitFiles
	draft := r.s.Attempts[StagePatchDrafted] + 1
	r.mu.Unlock()
	o.saveArtifact(ctx, r, fmt.Sprintf("patch-%d.diff", draft), []byte(proposal.UnifiedDiff))
	return Event{Type: EventPatchDrafted, Detail: fmt.Sprintf("%s: %s", proposal.Generator, proposal.Rationale)}, nil
}

// fetcher reads files at ref through the registry, so reads are policy-checked,
// audited and cached like any other tool call.
func (o *Orchestrator) fetcher(repo, ref string) FileFetcher {
	return func(ctx context.Context, path string) (FileContext, error) {
		fc, err := callTool[github.FileContent](ctx, o, "github.get_file", map[string]any{
			"repo": repo,
			"path": path,
			"ref":  ref,
		})
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				return FileContext{Path: path, Ref: ref}, nil
			}
			return FileContext{}, err
		}
		return FileContext{Path: path, Ref: ref, Content: fc.Content, Exists: true}, nil
	}
}

func commitMessage(s Session) string {
	category := "ci failure"
	if s.Classification != nil {
		category = string(s.Classification.Category)
	}
	msg := fmt.Sprintf("chore(self-heal): fix %s in PR #%d", category, s.PullRequest.Number)
	if s.Proposal != nil && s.Proposal.Rationale != "" {
		msg += "\n\n" + s.Proposal.Rationale
	}
	return msg
}

// commit writes the validated files on the head branch, guarded by the head it was
// drafted against.
func (o *Orchestrator) commit(ctx context.Context, r *run, s Session) (Event, error) {
	r.mu.Lock()
	files := append([]github.CommitFile(nil), r.files...)
	r.mu.Unlock()

	c, err := callTool[github.Commit](ctx, o, "github.create_commit", map[string]any{
		"repo":          s.PullRequest.Repo.String(),
		"branch":        s.HeadBranch,
		"message":       commitMessage(s),
		"expected_head": s.HeadSHA,
		"files":         files,
	})
	if err != nil {
		switch {
		case core.KindOf(err) == core.KindConflict:
			return Event{Type: EventTipMoved, Detail: err.Error()}, nil
		case core.IsRetryable(err):
			return retry(err, "create commit")
		}
		if pr, perr := o.readPullRequest(ctx, r, s); perr == nil && !pr.Open() {
			return abort("pull request is %s", pr.State)
		}
		return retry(err, "create commit")
	}
	r.update(func(s *Session) {
		s.CommitSHA = c.SHA
		s.HeadSHA = c.SHA
	})
	return Event{Type: EventCommitted, Detail: fmt.Sprintf("commit %s on %s", shortSHA(c.SHA), s.HeadBranch)}, nil
}

// rerun dispatches the failing workflow on the head branch, or re-runs the failed run
// when the workflow cannot be dispatched.
func (o *Orchestrator) rerun(ctx context.Context, r *run, s Session) (Event, error) {
	repo := s.PullRequest.Repo.String()
	if s.FailingRun == nil {
		return Event{Type: EventExhausted, Detail: "no failing run to re-trigger"}, nil
	}
	if s.FailingRun.WorkflowID != 0 {
		_, err := callTool[any](ctx, o, "github.trigger_workflow", map[string]any{
			"repo":     repo,
			"workflow": strconv.FormatInt(s.FailingRun.WorkflowID, 10),
			"ref":      s.HeadBranch,
		})
		if err == nil {
			return Event{Type: EventRerunTriggered, Detail: fmt.Sprintf("dispatched workflow %d on %s", s.FailingRun.WorkflowID, s.HeadBranch)}, nil
		}
		if core.IsRetryable(err) {
			return retry(err, "trigger workflow")
		}
		o.sessionLogger(s).Info("workflow dispatch rejected, re-running failed run", "err", err)
	}
	_, err := callTool[any](ctx, o, "github.rerun_workflow_run", map[string]any{
		"repo":   repo,
		"run_id": s.FailingRun.ID,
	})
	if err != nil {
		return retry(err, "re-run workflow run %d", s.FailingRun.ID)
	}
	return Event{Type: EventRerunTriggered, Detail: fmt.Sprintf("re-ran run %d", s.FailingRun.ID)}, nil
}

// recheck polls the runs of the committed head until one concludes or time runs out.
func (o *Orchestrator) recheck(ctx context.Context, r *run, s Session) (Event, error) {
	r.mu.Lock()
	since := r.recheck0
	r.mu.Unlock()
	if since.IsZero() {
		since = o.now()
	}
	deadline := since.Add(o.cfg.RecheckTimeout)
	sha := s.CommitSHA
	if sha == "" {
		sha = s.HeadSHA
	}

	for {
		runs, err := callTool[[]github.WorkflowRun](ctx, o, "github.list_workflow_runs", map[string]any{
			"repo":     s.PullRequest.Repo.String(),
			"head_sha": sha,
			"limit":    50,
		})
		if err != nil {
			o.sessionLogger(s).Warn("poll workflow runs failed", "err", err)
		} else {
			passed, failed := judgeRuns(runs)
			switch {
			case failed != nil:
				r.update(func(s *Session) {
					s.FailingRun = failed
					s.Cycle++
				})
				return Event{Type: EventRecheckFailed, Detail: fmt.Sprintf("run %d (%s) failed again", failed.ID, failed.Name)}, nil
			case passed != nil:
				return Event{Type: EventRecheckPassed, Detail: fmt.Sprintf("run %d (%s) succeeded", passed.ID, passed.Name)}, nil
			}
		}
		if !o.now().Before(deadline) {
			return Event{Type: EventExhausted, Detail: fmt.Sprintf("no run for %s concluded within %s", shortSHA(sha), o.cfg.RecheckTimeout)}, nil
		}
		if err := sleep(ctx, o.cfg.RecheckInterval); err != nil {
			return Event{Type: EventAbort, Detail: "cancelled"}, err
		}
	}
}

// judgeRuns returns the first failed run, or a successful run once every run is
// finished.
func judgeRuns(runs []github.WorkflowRun) (passed, failed *github.WorkflowRun) {
	pending := false
	for i := range runs {
		switch runs[i].Status {
		case github.RunFailed:
			return nil, &runs[i]
		case github.RunSucceeded:
			if passed == nil {
				passed = &runs[i]
			}
		default:
			pending = true
		}
	}
	if pending {
		return nil, nil
	}
	return passed, nil
}

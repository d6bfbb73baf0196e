package heal

import (
	"errors"
	"fmt"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

type Stage string

const (
	StageDetecting    Stage = "detecting"
	StageLogsFetched  Stage = "logs_fetched"
	StageClassified   Stage = "classified"
	StagePatchDrafted Stage = "patch_drafted"
	StageCommitted    Stage = "committed"
	StageRechecking   Stage = "rechecking"
	StageHealed       Stage = "healed"
	StageExhausted    Stage = "exhausted"
	StageAborted      Stage = "aborted"
)

func (s Stage) Terminal() bool {
	return s == StageHealed || s == StageExhausted || s == StageAborted
}

// Result is the terminal outcome of a session.
type Result string

const (
	ResultHealed    Result = "healed"
	ResultExhausted Result = "exhausted"
	ResultAborted   Result = "aborted"
)

type EventType string

const (
	EventLogsFetched    EventType = "logs_fetched"
	EventClassified     EventType = "classified"
	EventUnclassified   EventType = "unclassified"
	EventPatchDrafted   EventType = "patch_drafted"
	EventCommitted      EventType = "committed"
	EventTipMoved       EventType = "tip_moved"
	EventRerunTriggered EventType = "rerun_triggered"
	EventRecheckPassed  EventType = "recheck_passed"
	EventRecheckFailed  EventType = "recheck_failed"
	EventRetry          EventType = "retry"
	EventExhausted      EventType = "exhausted"
	EventAbort          EventType = "abort"
)

type Event struct {
	Type   EventType `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Effect is a side effect the runner must perform after a transition.
type Effect string

const (
	EffectInvalidateBranch Effect = "invalidate_branch"
	EffectCancelWork       Effect = "cancel_work"
	EffectArchive          Effect = "archive"
)

var (
	ErrTerminal          = errors.New("heal: session already finished")
	ErrInvalidTransition = errors.New("heal: invalid transition")
)

var table = map[Stage]map[EventType]Stage{
	StageDetecting:    {EventLogsFetched: StageLogsFetched},
	StageLogsFetched:  {EventClassified: StageClassified, EventUnclassified: StageExhausted},
	StageClassified:   {EventPatchDrafted: StagePatchDrafted},
	StagePatchDrafted: {EventCommitted: StageCommitted, EventTipMoved: StageClassified},
	StageCommitted:    {EventRerunTriggered: StageRechecking},
	StageRechecking:   {EventRecheckPassed: StageHealed, EventRecheckFailed: StageDetecting},
}

// Transition is the stage table. It has no side effects; the returned effects are
// performed by the caller. A retry leaves the stage unchanged.
func Transition(from Stage, ev Event) (Stage, []Effect, error) {
	if from.Terminal() {
		return from, nil, ErrTerminal
	}
	var to Stage
	switch ev.Type {
	case EventRetry:
		return from, nil, nil
	case EventAbort:
		return StageAborted, []Effect{EffectCancelWork, EffectArchive}, nil
	case EventExhausted:
		to = StageExhausted
	default:
		next, ok := table[from][ev.Type]
		if !ok {
			return from, nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev.Type)
		}
		to = next
	}

	var effects []Effect
	if ev.Type == EventCommitted || ev.Type == EventTipMoved {
		effects = append(effects, EffectInvalidateBranch)
	}
	if to.Terminal() {
		effects = append(effects, EffectArchive)
	}
	return to, effects, nil
}

// Bounds caps the cumulative attempts per stage for one session. Entering a stage and
// every retry inside it each count as one attempt.
type Bounds struct {
	Detecting    int `json:"detecting" yaml:"detecting"`
	LogsFetched  int `json:"logs_fetched" yaml:"logs_fetched"`
	Classified   int `json:"classified" yaml:"classified"`
	PatchDrafted int `json:"patch_drafted" yaml:"patch_drafted"`
	Committed    int `json:"committed" yaml:"committed"`
	Rechecking   int `json:"rechecking" yaml:"rechecking"`
}

// BoundsFor gives every retrying stage stageAttempts per healing cycle. Rechecking
// counts cycles.
func BoundsFor(stageAttempts, cycles int) Bounds {
	if stageAttempts < 1 {
		stageAttempts = 1
	}
	if cycles < 1 {
		cycles = 1
	}
	return Bounds{
		Detecting:    stageAttempts * cycles,
		LogsFetched:  cycles,
		Classified:   stageAttempts * cycles,
		PatchDrafted: stageAttempts * cycles,
		Committed:    stageAttempts * cycles,
		Rechecking:   cycles,
	}
}

func DefaultBounds() Bounds { return BoundsFor(3, 3) }

// For returns the bound of s. Terminal stages are unbounded.
func (b Bounds) For(s Stage) int {
	switch s {
	case StageDetecting:
		return b.Detecting
	case StageLogsFetched:
		return b.LogsFetched
	case StageClassified:
		return b.Classified
	case StagePatchDrafted:
		return b.PatchDrafted
	case StageCommitted:
		return b.Committed
	case StageRechecking:
		return b.Rechecking
	}
	return 0
}

func (b Bounds) Validate() error {
	for _, s := range []Stage{StageDetecting, StageLogsFetched, StageClassified, StagePatchDrafted, StageCommitted, StageRechecking} {
		if b.For(s) < 1 {
			return core.ValidationErrorf("bound for stage %s must be at least 1", s)
		}
	}
	return nil
}

// HistoryEntry records one stage change.
type HistoryEntry struct {
	From    Stage     `json:"from"`
	To      Stage     `json:"to"`
	At      time.Time `json:"at"`
	Outcome EventType `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Progress is the part of a session driven purely by events.
type Progress struct {
	Stage    Stage          `json:"stage"`
	Attempts map[Stage]int  `json:"attempts"`
	History  []HistoryEntry `json:"history"`
	Result   Result         `json:"result,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// NewProgress starts in detecting with its first attempt counted.
func NewProgress() Progress {
	return Progress{Stage: StageDetecting, Attempts: map[Stage]int{StageDetecting: 1}}
}

// Apply folds ev into p. An attempt that would pass the stage bound turns into a
// transition to exhausted instead.
func (p *Progress) Apply(ev Event, b Bounds) ([]Effect, error) {
	to, effects, err := Transition(p.Stage, ev)
	if err != nil {
		return nil, err
	}
	if p.Attempts == nil {
		p.Attempts = make(map[Stage]int)
	}

	if ev.Type == EventRetry {
		if p.Attempts[p.Stage]+1 > b.For(p.Stage) {
			detail := fmt.Sprintf("%s retry budget of %d used", p.Stage, b.For(p.Stage))
			if ev.Detail != "" {
				detail += ": " + ev.Detail
			}
			return p.Apply(Event{Type: EventExhausted, Detail: detail, At: ev.At}, b)
		}
		p.Attempts[p.Stage]++
		return nil, nil
	}

	// A redraft after the tip moved is charged to patch_drafted, whose next entry
	// it leads to, not to classified.
	if ev.Type == EventTipMoved {
		if p.Attempts[StagePatchDrafted] >= b.PatchDrafted {
			detail := fmt.Sprintf("branch tip moved after %d drafts", b.PatchDrafted)
			p.History = append(p.History, HistoryEntry{From: p.Stage, To: StageExhausted, At: ev.At, Outcome: ev.Type, Detail: detail})
			p.finish(StageExhausted, detail)
			return []Effect{EffectInvalidateBranch, EffectArchive}, nil
		}
		p.History = append(p.History, HistoryEntry{From: p.Stage, To: to, At: ev.At, Outcome: ev.Type, Detail: ev.Detail})
		p.Stage = to
		return effects, nil
	}

	if !to.Terminal() && p.Attempts[to]+1 > b.For(to) {
		detail := fmt.Sprintf("%s entered more than %d times", to, b.For(to))
		if to == StageRechecking {
			detail = fmt.Sprintf("healing cycles exceeded %d", b.For(to))
		}
		p.History = append(p.History, HistoryEntry{From: p.Stage, To: StageExhausted, At: ev.At, Outcome: ev.Type, Detail: detail})
		p.finish(StageExhausted, detail)
		return []Effect{EffectArchive}, nil
	}

	p.History = append(p.History, HistoryEntry{From: p.Stage, To: to, At: ev.At, Outcome: ev.Type, Detail: ev.Detail})
	if to.Terminal() {
		reason := ev.Detail
		if ev.Type == EventUnclassified {
			reason = string(EventUnclassified)
		}
		p.finish(to, reason)
		return effects, nil
	}
	p.Stage = to
	p.Attempts[to]++
	return effects, nil
}

func (p *Progress) finish(to Stage, reason string) {
	p.Stage = to
	p.Result = Result(to)
	p.Reason = reason
}

// Replay folds events from a fresh session. Events after a terminal stage are rejected.
func Replay(b Bounds, events []Event) (Progress, error) {
	p := NewProgress()
	for i, ev := range events {
		if _, err := p.Apply(ev, b); err != nil {
			return p, fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
	}
	return p, nil
}

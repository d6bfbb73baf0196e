package heal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(t EventType) Event { return Event{Type: t} }

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    Stage
		event   EventType
		to      Stage
		effects []Effect
	}{
		{StageDetecting, EventLogsFetched, StageLogsFetched, nil},
		{StageLogsFetched, EventClassified, StageClassified, nil},
		{StageLogsFetched, EventUnclassified, StageExhausted, []Effect{EffectArchive}},
		{StageClassified, EventPatchDrafted, StagePatchDrafted, nil},
		{StagePatchDrafted, EventCommitted, StageCommitted, []Effect{EffectInvalidateBranch}},
		{StagePatchDrafted, EventTipMoved, StageClassified, []Effect{EffectInvalidateBranch}},
		{StageCommitted, EventRerunTriggered, StageRechecking, nil},
		{StageRechecking, EventRecheckPassed, StageHealed, []Effect{EffectArchive}},
		{StageRechecking, EventRecheckFailed, StageDetecting, nil},
		{StageClassified, EventRetry, StageClassified, nil},
		{StageCommitted, EventExhausted, StageExhausted, []Effect{EffectArchive}},
		{StageRechecking, EventAbort, StageAborted, []Effect{EffectCancelWork, EffectArchive}},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.event), func(t *testing.T) {
			to, effects, err := Transition(tc.from, ev(tc.event))
			require.NoError(t, err)
			assert.Equal(t, tc.to, to)
			assert.Equal(t, tc.effects, effects)
		})
	}
}

func TestTransitionRejectsUnknownAndTerminal(t *testing.T) {
	_, _, err := Transition(StageDetecting, ev(EventCommitted))
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	for _, s := range []Stage{StageHealed, StageExhausted, StageAborted} {
		_, _, err := Transition(s, ev(EventAbort))
		assert.True(t, errors.Is(err, ErrTerminal), s)
	}
}

func TestBoundsFor(t *testing.T) {
	b := BoundsFor(2, 4)
	assert.Equal(t, 8, b.Detecting)
	assert.Equal(t, 4, b.LogsFetched)
	assert.Equal(t, 8, b.Committed)
	assert.Equal(t, 4, b.Rechecking)
	assert.NoError(t, b.Validate())

	assert.Equal(t, BoundsFor(1, 1), BoundsFor(0, -3))
	assert.Error(t, Bounds{Detecting: 1}.Validate())
}

func TestRetriesStopAtBound(t *testing.T) {
	b := BoundsFor(3, 1)
	p := NewProgress()
	for i := 0; i < 2; i++ {
		effects, err := p.Apply(ev(EventRetry), b)
		require.NoError(t, err)
		assert.Empty(t, effects)
	}
	assert.Equal(t, StageDetecting, p.Stage)
	assert.Equal(t, 3, p.Attempts[StageDetecting])

	effects, err := p.Apply(Event{Type: EventRetry, Detail: "runs pending"}, b)
	require.NoError(t, err)
	assert.Equal(t, []Effect{EffectArchive}, effects)
	assert.Equal(t, StageExhausted, p.Stage)
	assert.Equal(t, ResultExhausted, p.Result)
	assert.Equal(t, 3, p.Attempts[StageDetecting])
	require.Len(t, p.History, 1)
	assert.Contains(t, p.Reason, "runs pending")
}

func TestTipMovedLoopIsBounded(t *testing.T) {
	b := BoundsFor(2, 1)
	events := []Event{ev(EventLogsFetched), ev(EventClassified)}
	for i := 0; i < 5; i++ {
		events = append(events, ev(EventPatchDrafted), ev(EventTipMoved))
	}
	p := NewProgress()
	var err error
	for _, e := range events {
		if _, err = p.Apply(e, b); err != nil {
			break
		}
	}
	assert.True(t, errors.Is(err, ErrTerminal))
	assert.Equal(t, StageExhausted, p.Stage)
	for s, n := range p.Attempts {
		assert.LessOrEqual(t, n, b.For(s), s)
	}
}

func TestTipMovedIsChargedToPatchDrafted(t *testing.T) {
	b := BoundsFor(1, 1)
	b.PatchDrafted = 3

	p, err := Replay(b, []Event{
		ev(EventLogsFetched), ev(EventClassified),
		ev(EventPatchDrafted), ev(EventTipMoved),
		ev(EventPatchDrafted), ev(EventTipMoved),
		ev(EventPatchDrafted),
	})
	require.NoError(t, err)
	assert.Equal(t, StagePatchDrafted, p.Stage)
	assert.Equal(t, 1, p.Attempts[StageClassified])
	assert.Equal(t, 3, p.Attempts[StagePatchDrafted])

	effects, err := p.Apply(ev(EventTipMoved), b)
	require.NoError(t, err)
	assert.Equal(t, []Effect{EffectInvalidateBranch, EffectArchive}, effects)
	assert.Equal(t, StageExhausted, p.Stage)
	assert.Contains(t, p.Reason, "tip moved after 3 drafts")
	last := p.History[len(p.History)-1]
	assert.Equal(t, StagePatchDrafted, last.From)
	assert.Equal(t, EventTipMoved, last.Outcome)
}

func TestRecheckCyclesAreBounded(t *testing.T) {
	b := BoundsFor(3, 2)
	cycle := []Event{
		ev(EventLogsFetched), ev(EventClassified), ev(EventPatchDrafted),
		ev(EventCommitted), ev(EventRerunTriggered), ev(EventRecheckFailed),
	}
	var events []Event
	events = append(events, cycle...)
	events = append(events, cycle[:5]...)

	p, err := Replay(b, events)
	require.NoError(t, err)
	assert.Equal(t, StageRechecking, p.Stage)
	assert.Equal(t, 2, p.Attempts[StageRechecking])

	_, err = p.Apply(ev(EventRecheckFailed), b)
	require.NoError(t, err)
	_, err = p.Apply(ev(EventLogsFetched), b)
	require.NoError(t, err)
	assert.Equal(t, StageExhausted, p.Stage)
	assert.Contains(t, p.Reason, "logs_fetched")
}

func TestReplayHealedSession(t *testing.T) {
	p, err := Replay(DefaultBounds(), []Event{
		ev(EventLogsFetched), ev(EventClassified), ev(EventRetry), ev(EventPatchDrafted),
		ev(EventCommitted), ev(EventRerunTriggered), ev(EventRecheckPassed),
	})
	require.NoError(t, err)
	assert.Equal(t, StageHealed, p.Stage)
	assert.Equal(t, ResultHealed, p.Result)
	assert.Len(t, p.History, 6)
	assert.Equal(t, 2, p.Attempts[StageClassified])

	_, err = Replay(DefaultBounds(), []Event{ev(EventAbort), ev(EventLogsFetched)})
	assert.True(t, errors.Is(err, ErrTerminal))
}

func TestUnclassifiedRecordsReason(t *testing.T) {
	p, err := Replay(DefaultBounds(), []Event{ev(EventLogsFetched), {Type: EventUnclassified, Detail: "exit code 2"}})
	require.NoError(t, err)
	assert.Equal(t, StageExhausted, p.Stage)
	assert.Equal(t, "unclassified", p.Reason)
	assert.Len(t, p.History, 2)
}

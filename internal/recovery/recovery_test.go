package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemfall/server/internal/grid"
	"gemfall/server/internal/timing"
)

// stubSource serves a fixed three-step outcome.
type stubSource struct {
	steps   []grid.Step
	current int
}

func (s *stubSource) CurrentStep() int { return s.current }

func (s *stubSource) StepAt(index int) (grid.Step, bool) {
	if index < 0 || index >= len(s.steps) {
		return grid.Step{}, false
	}
	return s.steps[index], true
}

func (s *stubSource) StepsFrom(index int) []grid.Step {
	if index < 0 {
		index = 0
	}
	if index >= len(s.steps) {
		return nil
	}
	return append([]grid.Step(nil), s.steps[index:]...)
}

func newSource() *stubSource {
	board := grid.New(2, 2)
	for c := 0; c < 2; c++ {
		for r := 0; r < 2; r++ {
			board.Set(c, r, grid.Symbol(c+r+1))
		}
	}
	steps := make([]grid.Step, 3)
	for i := range steps {
		steps[i] = grid.Step{
			Index:  i,
			Before: board.Clone(),
			After:  board.Clone(),
			Timing: grid.Timing{TotalDuration: int64(1000 + i)},
		}
	}
	return &stubSource{steps: steps}
}

func newManager(attempts int) *Manager {
	return NewManager(attempts, timing.DefaultTolerance(), nil)
}

func TestClassificationPicksLeastInvasiveTier(t *testing.T) {
	cases := []struct {
		desync DesyncType
		tier   Type
	}{
		{DesyncTimingDrift, TypeTimingAdjustment},
		{DesyncStepTimeout, TypeTimingAdjustment},
		{DesyncOutOfOrder, TypeStepReplay},
		{DesyncHashMismatch, TypeStepReplay},
		{DesyncStateDiverged, TypeStateResync},
		{DesyncUnclassified, TypeFullResync},
	}

	for _, tc := range cases {
		t.Run(string(tc.desync), func(t *testing.T) {
			record, err := newManager(3).Request("session-a", tc.desync, newSource())
			require.NoError(t, err)
			assert.Equal(t, tc.tier, record.Type)
			assert.Equal(t, StatusPending, record.Status)
			assert.Equal(t, 1, record.Attempts)
		})
	}
}

func TestEscalationConsumesBudgetPerTier(t *testing.T) {
	m := newManager(2)
	src := newSource()

	expected := []Type{
		TypeTimingAdjustment, TypeTimingAdjustment,
		TypeStepReplay, TypeStepReplay,
		TypeStateResync, TypeStateResync,
		TypeFullResync, TypeFullResync,
	}
	for i, tier := range expected {
		record, err := m.Request("session-a", DesyncTimingDrift, src)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, tier, record.Type, "request %d", i)
	}

	_, err := m.Request("session-a", DesyncTimingDrift, src)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestTierNeverDowngrades(t *testing.T) {
	m := newManager(3)
	src := newSource()

	first, err := m.Request("session-a", DesyncStateDiverged, src)
	require.NoError(t, err)
	require.Equal(t, TypeStateResync, first.Type)

	// A milder desync after a severe one stays at the severe tier.
	second, err := m.Request("session-a", DesyncTimingDrift, src)
	require.NoError(t, err)
	assert.Equal(t, TypeStateResync, second.Type)
	assert.Equal(t, 2, second.Attempts)
}

func TestApplyRequiresConfirmation(t *testing.T) {
	m := newManager(3)
	record, err := m.Request("session-a", DesyncHashMismatch, newSource())
	require.NoError(t, err)

	report, err := m.Status(record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, report.Status)
	assert.Zero(t, report.Progress)

	pending, err := m.Apply(record.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	applied, err := m.Apply(record.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, applied.Status)

	report, err = m.Status(record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.Progress)

	// Repeat application is idempotent.
	again, err := m.Apply(record.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, again.Status)
}

func TestApplyResetsEscalationState(t *testing.T) {
	m := newManager(1)
	src := newSource()

	record, err := m.Request("session-a", DesyncHashMismatch, src)
	require.NoError(t, err)
	require.Equal(t, TypeStepReplay, record.Type)

	_, err = m.Apply(record.ID, true)
	require.NoError(t, err)

	// After a confirmed repair the next desync classifies from scratch
	// instead of continuing the exhausted ladder.
	next, err := m.Request("session-a", DesyncTimingDrift, src)
	require.NoError(t, err)
	assert.Equal(t, TypeTimingAdjustment, next.Type)
	assert.Equal(t, 1, next.Attempts)
}

func TestStrategyPayloads(t *testing.T) {
	src := newSource()
	src.current = 1

	t.Run("timing adjustment", func(t *testing.T) {
		record, err := newManager(3).Request("session-a", DesyncTimingDrift, src)
		require.NoError(t, err)
		data, ok := record.Data.(TimingAdjustmentData)
		require.True(t, ok)
		assert.Equal(t, 1, data.StepIndex)
		assert.Equal(t, int64(1001), data.Timing.TotalDuration)
		assert.Equal(t, timing.DefaultTolerance(), data.Tolerance)
	})

	t.Run("step replay", func(t *testing.T) {
		record, err := newManager(3).Request("session-a", DesyncHashMismatch, src)
		require.NoError(t, err)
		data, ok := record.Data.(StepReplayData)
		require.True(t, ok)
		assert.Equal(t, 1, data.Step.Index)
	})

	t.Run("state resync", func(t *testing.T) {
		record, err := newManager(3).Request("session-a", DesyncStateDiverged, src)
		require.NoError(t, err)
		data, ok := record.Data.(StateResyncData)
		require.True(t, ok)
		assert.Equal(t, 1, data.StepIndex)
		assert.True(t, data.Grid.Equal(src.steps[1].After))
	})

	t.Run("full resync", func(t *testing.T) {
		record, err := newManager(3).Request("session-a", DesyncUnclassified, src)
		require.NoError(t, err)
		data, ok := record.Data.(FullResyncData)
		require.True(t, ok)
		assert.Equal(t, 1, data.FromStep)
		assert.Len(t, data.Steps, 2)
	})
}

func TestFailMarksRecord(t *testing.T) {
	m := newManager(3)
	record, err := m.Request("session-a", DesyncHashMismatch, newSource())
	require.NoError(t, err)

	failed, err := m.Fail(record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)

	report, err := m.Status(record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.Progress)
}

func TestUnknownRecordIDs(t *testing.T) {
	m := newManager(3)
	_, err := m.Apply("missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Fail("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Status("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := m.Record("missing")
	assert.False(t, ok)
}

func TestReleaseSessionDropsRecords(t *testing.T) {
	m := newManager(3)
	src := newSource()
	record, err := m.Request("session-a", DesyncHashMismatch, src)
	require.NoError(t, err)
	keep, err := m.Request("session-b", DesyncHashMismatch, src)
	require.NoError(t, err)

	m.ReleaseSession("session-a")

	_, err = m.Status(record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := m.Record(keep.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, m.ActiveRecords())

	// Release is idempotent.
	m.ReleaseSession("session-a")
}

package client

import (
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatchdog(t *testing.T) (*Watchdog, *StreamStore, *[]domain.UserID) {
	t.Helper()
	store := NewStreamStore()
	w := NewWatchdog(store, time.Minute, logger.NewNop())
	lost := &[]domain.UserID{}
	w.OnLost(func(target domain.UserID) { *lost = append(*lost, target) })
	return w, store, lost
}

func TestWatchdog_LossNeedsTwoSweeps(t *testing.T) {
	w, store, lost := newTestWatchdog(t)
	require.NoError(t, store.Add(&Stream{Target: "alice"}))

	// First sweep only arms the target.
	w.sweep()
	assert.Empty(t, *lost)

	// Still unrendered one interval later: exactly one event.
	w.sweep()
	assert.Equal(t, []domain.UserID{"alice"}, *lost)
	assert.Equal(t, 1, w.Attempts("alice"))
}

func TestWatchdog_RenderingResets(t *testing.T) {
	w, store, lost := newTestWatchdog(t)
	s := &Stream{Target: "alice"}
	require.NoError(t, store.Add(s))

	w.sweep()
	s.MarkRendered()
	w.sweep()

	assert.Empty(t, *lost)
	assert.Equal(t, 0, w.Attempts("alice"))
}

func TestWatchdog_RenderedStreamNeverFires(t *testing.T) {
	w, store, lost := newTestWatchdog(t)
	s := &Stream{Target: "alice"}
	s.MarkRendered()
	require.NoError(t, store.Add(s))

	for i := 0; i < 5; i++ {
		w.sweep()
	}
	assert.Empty(t, *lost)
}

func TestWatchdog_AttemptsStickAcrossForceClose(t *testing.T) {
	w, store, lost := newTestWatchdog(t)

	var terminal []domain.UserID
	w.OnTerminal(func(target domain.UserID) { terminal = append(terminal, target) })

	// Each cycle: the stream appears, never renders, gets force-closed by
	// the lost handler, then reappears after the server renegotiates.
	for cycle := 0; cycle < maxRecoveryAttempts; cycle++ {
		require.NoError(t, store.Add(&Stream{Target: "alice"}))
		w.sweep()
		w.sweep()
		store.Remove("alice")
		w.sweep()
	}

	assert.Len(t, *lost, maxRecoveryAttempts)
	assert.Equal(t, []domain.UserID{"alice"}, terminal)

	// The cap holds: the next cycle stays silent.
	require.NoError(t, store.Add(&Stream{Target: "alice"}))
	w.sweep()
	w.sweep()
	assert.Len(t, *lost, maxRecoveryAttempts)
	assert.Empty(t, terminal[1:])
}

func TestWatchdog_RenderingClearsTheCap(t *testing.T) {
	w, store, lost := newTestWatchdog(t)

	for cycle := 0; cycle < maxRecoveryAttempts; cycle++ {
		require.NoError(t, store.Add(&Stream{Target: "alice"}))
		w.sweep()
		w.sweep()
		store.Remove("alice")
		w.sweep()
	}
	require.Len(t, *lost, maxRecoveryAttempts)

	// A stream that finally renders starts from a clean slate.
	s := &Stream{Target: "alice"}
	s.MarkRendered()
	require.NoError(t, store.Add(s))
	w.sweep()
	assert.Equal(t, 0, w.Attempts("alice"))
}

func TestWatchdog_ForgetResetsEverything(t *testing.T) {
	w, store, lost := newTestWatchdog(t)

	require.NoError(t, store.Add(&Stream{Target: "alice"}))
	w.sweep()
	w.sweep()
	require.Len(t, *lost, 1)
	store.Remove("alice")

	w.Forget("alice")
	assert.Equal(t, 0, w.Attempts("alice"))

	require.NoError(t, store.Add(&Stream{Target: "alice"}))
	w.sweep()
	w.sweep()
	assert.Len(t, *lost, 2)
	assert.Equal(t, 1, w.Attempts("alice"))
}

func TestWatchdog_IndependentTargets(t *testing.T) {
	w, store, lost := newTestWatchdog(t)
	require.NoError(t, store.Add(&Stream{Target: "alice"}))

	rendered := &Stream{Target: "bob"}
	rendered.MarkRendered()
	require.NoError(t, store.Add(rendered))

	w.sweep()
	w.sweep()

	assert.Equal(t, []domain.UserID{"alice"}, *lost)
}

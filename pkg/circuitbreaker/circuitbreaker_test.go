package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		MaxProbes:        2,
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := New(testConfig())

	calls := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Do(func() error {
			calls++
			return nil
		}))
	}
	assert.Equal(t, 10, calls)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		err := cb.Do(func() error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Rejected without running the function.
	ran := false
	err := cb.Do(func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, ran)
}

func TestCircuitBreaker_FailureCountResetsOnSuccess(t *testing.T) {
	cb := New(testConfig())

	cb.Do(func() error { return errBoom })
	cb.Do(func() error { return errBoom })
	require.NoError(t, cb.Do(func() error { return nil }))
	cb.Do(func() error { return errBoom })
	cb.Do(func() error { return errBoom })

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		cb.Do(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	// Two successful probes close the breaker.
	require.NoError(t, cb.Do(func() error { return nil }))
	require.NoError(t, cb.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		cb.Do(func() error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)

	assert.ErrorIs(t, cb.Do(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// And it stays shut until the timeout elapses again.
	assert.ErrorIs(t, cb.Do(func() error { return nil }), ErrOpen)
}

func TestCircuitBreaker_HalfOpenProbeLimit(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		cb.Do(func() error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)

	// One success is below the close threshold, so the breaker stays
	// half-open while it keeps probing.
	require.NoError(t, cb.Do(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		cb.Do(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Do(func() error { return nil }))
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb := New(testConfig())
	transitions := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) { transitions <- [2]State{from, to} })

	for i := 0; i < 3; i++ {
		cb.Do(func() error { return errBoom })
	}

	select {
	case tr := <-transitions:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

package vasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/pkg/schema"
)

// flaky fails with errs in order, then succeeds with "ok".
func flaky(calls *int, errs ...error) HostFunc {
	return func(context.Context, any) (any, error) {
		*calls++
		if *calls <= len(errs) {
			return nil, errs[*calls-1]
		}
		return "ok", nil
	}
}

func fastGuard() GuardConfig {
	return GuardConfig{Retries: 2, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond, FailureThreshold: 10, Cooldown: time.Hour}
}

func TestGuard_RetriesTransientErrors(t *testing.T) {
	calls := 0
	h := Guard(HostBridge{Blob: flaky(&calls,
		errors.New("dial tcp: connection refused"),
		errors.New("read: connection reset by peer"),
	)}, fastGuard(), nil)

	res, err := h.Blob(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 3, calls)
}

func TestGuard_PermanentErrorsAreNotRetried(t *testing.T) {
	for _, permanent := range []error{
		errors.New("no such table: sales"),
		schema.NewError(schema.ErrCodeNotFound, "blob b1 not found"),
		context.Canceled,
	} {
		calls := 0
		h := Guard(HostBridge{DB: flaky(&calls, permanent)}, fastGuard(), nil)
		_, err := h.DB(context.Background(), "SELECT 1")
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls, permanent.Error())
	}
}

func TestGuard_RetriesExhausted(t *testing.T) {
	calls := 0
	down := errors.New("service unavailable")
	h := Guard(HostBridge{Grid: flaky(&calls, down, down, down, down)}, fastGuard(), nil)

	_, err := h.Grid(context.Background(), 1)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 3, calls)
}

func TestGuard_CircuitOpensAndFailsFast(t *testing.T) {
	cfg := GuardConfig{FailureThreshold: 2, Cooldown: time.Hour}
	calls := 0
	boom := errors.New("503 service unavailable")
	h := Guard(HostBridge{AI: flaky(&calls, boom, boom, boom)}, cfg, nil)

	for i := 0; i < 2; i++ {
		_, err := h.AI(context.Background(), "q")
		require.ErrorIs(t, err, boom)
	}
	_, err := h.AI(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen), "got %v", err)
	assert.Contains(t, err.Error(), "VOIKE_AI_ASK unavailable after 2 consecutive failures")
	assert.Equal(t, 2, calls)
}

func TestGuard_TrialCallClosesCircuit(t *testing.T) {
	cfg := GuardConfig{FailureThreshold: 1}
	calls := 0
	h := Guard(HostBridge{VVM: flaky(&calls, errors.New("connection refused"))}, cfg, nil)

	_, err := h.VVM(context.Background(), "job")
	require.Error(t, err)

	// Zero cooldown lets the next call through immediately.
	res, err := h.VVM(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	res, err = h.VVM(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestGuard_PermanentErrorsKeepCircuitClosed(t *testing.T) {
	cfg := GuardConfig{FailureThreshold: 2, Cooldown: time.Hour}
	calls := 0
	rejected := schema.NewError(schema.ErrCodeValidation, "only SELECT queries are allowed")
	h := Guard(HostBridge{DB: flaky(&calls, rejected, rejected, rejected, errors.New("no such table: x"))}, cfg, nil)

	for i := 0; i < 4; i++ {
		_, err := h.DB(context.Background(), "DELETE FROM x")
		require.Error(t, err)
		assert.False(t, schema.IsCode(err, schema.ErrCodeCircuitOpen), "call %d: %v", i, err)
	}
	res, err := h.DB(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 5, calls)
}

func TestGuard_PermanentErrorResetsTransientStreak(t *testing.T) {
	cfg := GuardConfig{FailureThreshold: 2, Cooldown: time.Hour}
	calls := 0
	down := errors.New("connection refused")
	h := Guard(HostBridge{Blob: flaky(&calls, down, errors.New("no such blob"), down, down)}, cfg, nil)

	for i := 0; i < 3; i++ {
		_, err := h.Blob(context.Background(), "b")
		require.Error(t, err)
		assert.False(t, schema.IsCode(err, schema.ErrCodeCircuitOpen), "call %d", i)
	}
	_, err := h.Blob(context.Background(), "b")
	require.ErrorIs(t, err, down)
	_, err = h.Blob(context.Background(), "b")
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
}

func TestGuard_BreakersArePerSyscall(t *testing.T) {
	cfg := GuardConfig{FailureThreshold: 1, Cooldown: time.Hour}
	dbCalls, blobCalls := 0, 0
	h := Guard(HostBridge{
		DB:   flaky(&dbCalls, errors.New("database is locked")),
		Blob: flaky(&blobCalls),
	}, cfg, nil)

	_, err := h.DB(context.Background(), "q")
	require.Error(t, err)
	_, err = h.DB(context.Background(), "q")
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))

	res, err := h.Blob(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestGuard_CancelledDuringBackoff(t *testing.T) {
	cfg := GuardConfig{Retries: 3, Delay: time.Hour, FailureThreshold: 10}
	ctx, cancel := context.WithCancel(context.Background())
	h := Guard(HostBridge{Blob: func(context.Context, any) (any, error) {
		cancel()
		return nil, errors.New("i/o timeout")
	}}, cfg, nil)

	_, err := h.Blob(ctx, "b")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuard_NilExecutorsStaySoft(t *testing.T) {
	h := Guard(HostBridge{}, DefaultGuardConfig(), nil)
	assert.Nil(t, h.DB)
	assert.Nil(t, h.AI)

	vm, err := runAsm(t, `
    LOAD_CONST r0, 9
    VOIKE_QUERY r0, "SELECT 1"
`, WithHost(h))
	require.NoError(t, err)
	assert.Equal(t, int64(0), reg(t, vm, 0))
}

func TestGuard_WiredIntoVM(t *testing.T) {
	calls := 0
	h := Guard(HostBridge{Blob: flaky(&calls, errors.New("temporary failure in name resolution"))}, fastGuard(), nil)

	vm, err := runAsm(t, `VOIKE_BLOB r0, "b1"`, WithHost(h))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	obj, ok := vm.Object(reg(t, vm, 0))
	require.True(t, ok)
	assert.Equal(t, "ok", obj)
}

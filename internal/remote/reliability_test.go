package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/infra"
)

type scriptedExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(address string, call int) (ExecResult, error)
}

func (s *scriptedExecutor) Execute(_ context.Context, address, _ string, _ time.Duration) (ExecResult, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[address]++
	n := s.calls[address]
	s.mu.Unlock()
	return s.fn(address, n)
}

func testExecutorConfig() infra.ExecutorConfig {
	return infra.ExecutorConfig{
		CBMaxRequests: 1,
		CBInterval:    time.Minute,
		CBTimeout:     time.Minute,
		CBFailures:    2,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

func TestReliableExecutor_RetriesTransportErrors(t *testing.T) {
	next := &scriptedExecutor{fn: func(_ string, call int) (ExecResult, error) {
		if call < 3 {
			return ExecResult{}, errors.New("connection reset")
		}
		return ExecResult{OK: true, Output: "done"}, nil
	}}
	w := NewReliableExecutor(next, testExecutorConfig(), nil, zap.NewNop())

	res, err := w.Execute(context.Background(), "10.0.0.1", "true", time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, next.calls["10.0.0.1"])
}

func TestReliableExecutor_NonZeroExitIsNotRetried(t *testing.T) {
	next := &scriptedExecutor{fn: func(string, int) (ExecResult, error) {
		return ExecResult{OK: false, ExitCode: 1}, nil
	}}
	w := NewReliableExecutor(next, testExecutorConfig(), nil, zap.NewNop())

	res, err := w.Execute(context.Background(), "10.0.0.1", "false", time.Second)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, next.calls["10.0.0.1"])
}

func TestReliableExecutor_BreakerIsPerHost(t *testing.T) {
	next := &scriptedExecutor{fn: func(address string, _ int) (ExecResult, error) {
		if address == "bad" {
			return ExecResult{}, errors.New("no route to host")
		}
		return ExecResult{OK: true}, nil
	}}
	w := NewReliableExecutor(next, testExecutorConfig(), nil, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := w.Execute(context.Background(), "bad", "true", time.Second)
		require.Error(t, err)
	}
	_, err := w.Execute(context.Background(), "bad", "true", time.Second)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	res, err := w.Execute(context.Background(), "good", "true", time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

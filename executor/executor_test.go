package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughExecutorEchoesEntry(t *testing.T) {
	ex := NewPassthroughExecutor("phi3:3.8b")

	out, err := ex.Execute(context.Background(), []byte(`{"type":"echo"}`), "Hello", "phi3:3.8b")
	require.NoError(t, err)
	assert.Equal(t, Output("Hello"), out)
}

func TestPassthroughExecutorDefaultsToEcho(t *testing.T) {
	ex := NewPassthroughExecutor()

	out, err := ex.Execute(context.Background(), nil, "Hello", "anything")
	require.NoError(t, err)
	assert.Equal(t, Output("Hello"), out)
}

func TestPassthroughExecutorRejectsUnservedModel(t *testing.T) {
	ex := NewPassthroughExecutor("phi3:3.8b")

	_, err := ex.Execute(context.Background(), nil, "Hello", "gpt-4o")
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestPassthroughExecutorRejectsUnknownWorkflowType(t *testing.T) {
	ex := NewPassthroughExecutor()

	_, err := ex.Execute(context.Background(), []byte(`{"type":"summarize"}`), "Hello", "m")
	execErr, ok := AsExecutorError(err)
	require.True(t, ok)
	assert.Equal(t, KindWorkflowError, execErr.Kind)
}

func TestPassthroughExecutorRejectsMalformedWorkflow(t *testing.T) {
	ex := NewPassthroughExecutor()

	_, err := ex.Execute(context.Background(), []byte(`not json`), "Hello", "m")
	execErr, ok := AsExecutorError(err)
	require.True(t, ok)
	assert.Equal(t, KindWorkflowError, execErr.Kind)
}

func TestPassthroughExecutorObservesCancellation(t *testing.T) {
	ex := NewPassthroughExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Execute(ctx, nil, "Hello", "m")
	execErr, ok := AsExecutorError(err)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, execErr.Kind)
}

func TestCanServe(t *testing.T) {
	restricted := NewPassthroughExecutor("phi3:3.8b")
	assert.True(t, restricted.CanServe("phi3:3.8b"))
	assert.False(t, restricted.CanServe("gpt-4o"))

	unrestricted := NewPassthroughExecutor()
	assert.True(t, unrestricted.CanServe("anything"))
}

func TestErrorConstructorsSetKind(t *testing.T) {
	cause := errors.New("boom")

	assert.Equal(t, KindCancelled, Cancelled(cause).Kind)
	assert.Equal(t, KindTimeout, Timeout(cause).Kind)
	assert.Equal(t, KindProviderError, ProviderError("rate_limited", cause).Kind)
	assert.Equal(t, "rate_limited", ProviderError("rate_limited", cause).Code)
	assert.Equal(t, KindWorkflowError, WorkflowError("bad doc").Kind)

	wrapped := Timeout(cause)
	assert.ErrorIs(t, wrapped, cause)
}

func TestErrorStringIncludesCode(t *testing.T) {
	err := ProviderError("rate_limited", errors.New("too many requests"))
	assert.Contains(t, err.Error(), "rate_limited")
	assert.Contains(t, err.Error(), "too many requests")
}

func TestDeadlineRespected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	ex := NewPassthroughExecutor()
	_, err := ex.Execute(ctx, nil, "Hello", "m")
	execErr, ok := AsExecutorError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, execErr.Kind)
}

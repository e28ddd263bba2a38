package executor

import (
	"context"
	"encoding/json"
	"errors"
)

// workflowDoc is the minimal shape PassthroughExecutor understands. Any
// other executor implementation is free to interpret WorkflowDoc however
// its engine requires; this one exists as a reference implementation,
// since the real workflow interpreter is out of scope.
type workflowDoc struct {
	Type string `json:"type"`
}

// PassthroughExecutor is a reference Executor: it understands a single
// workflow type, "echo", which returns its entry value unchanged. It is
// the executor cmd/dknode runs and the one the tests use; it never calls
// a model provider.
type PassthroughExecutor struct {
	// Models, if non-empty, restricts CanServe to this set. An empty
	// Models reports every model as servable.
	Models map[string]bool
}

// NewPassthroughExecutor builds a PassthroughExecutor that serves every
// model in models (or any model, if models is empty).
func NewPassthroughExecutor(models ...string) *PassthroughExecutor {
	set := make(map[string]bool, len(models))
	for _, m := range models {
		set[m] = true
	}
	return &PassthroughExecutor{Models: set}
}

// CanServe implements Executor.
func (p *PassthroughExecutor) CanServe(modelID string) bool {
	if len(p.Models) == 0 {
		return true
	}
	return p.Models[modelID]
}

// Execute implements Executor.
func (p *PassthroughExecutor) Execute(ctx context.Context, workflow WorkflowDoc, entry string, modelID string) (Output, error) {
	if !p.CanServe(modelID) {
		return nil, ErrModelUnavailable
	}

	var doc workflowDoc
	if len(workflow) > 0 {
		if err := json.Unmarshal(workflow, &doc); err != nil {
			return nil, WorkflowError("workflow document is not valid JSON: " + err.Error())
		}
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, Cancelled(ctx.Err())
		}
		return nil, Timeout(ctx.Err())
	default:
	}

	switch doc.Type {
	case "", "echo":
		return Output(entry), nil
	default:
		return nil, WorkflowError("unrecognized workflow type: " + doc.Type)
	}
}

package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/state"
)

// ExecuteTask runs one task agentically in the profile's working directory
// and folds the message stream into a TaskResult. Satisfies the scheduler's
// TaskExecutor contract.
//
// Transient provider failures are retried with bounded exponential backoff
// per the profile's retry config; only the exhausted attempt fails the task.
func (a *Agent) ExecuteTask(ctx context.Context, task state.Task, st state.ExecutionState) state.TaskResult {
	log := slog.With("workflow_id", st.WorkflowID, "task_id", task.ID, "role", string(a.Role))
	log.Info("Executing task")

	retry := a.Profile.Retry
	bo := backoff.NewExponentialBackOff()
	if retry.BaseDelayMS > 0 {
		bo.InitialInterval = retry.BaseDelay()
	}
	if retry.MaxDelayMS > 0 {
		bo.MaxInterval = retry.MaxDelay()
	}
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	var result state.TaskResult
	_ = backoff.Retry(func() error {
		var transient bool
		result, transient = a.runTaskAttempt(ctx, task, st, log)
		if result.Status == state.TaskStatusFailed && transient {
			log.Warn("Transient provider error, retrying task", "error", result.Error)
			return errors.New(result.Error)
		}
		return nil
	}, policy)
	return result
}

// runTaskAttempt performs a single agentic execution. The second return
// reports whether a failure was transient provider trouble.
func (a *Agent) runTaskAttempt(ctx context.Context, task state.Task, st state.ExecutionState, log *slog.Logger) (state.TaskResult, bool) {
	stream, err := a.Driver.ExecuteAgentic(ctx, driver.AgenticRequest{
		Prompt:       buildDeveloperPrompt(task, st, st.LastReview),
		CWD:          a.Profile.WorkingDir,
		Instructions: developerInstructions,
		Session:      a.sessionFor(st),
	})
	if err != nil {
		log.Error("Failed to start agentic execution", "error", err)
		return failedResult(task.ID, err.Error()), driver.IsTransient(err)
	}

	var transcript strings.Builder
	var resultContent, streamErr string
	var streamTransient bool
	for msg := range stream {
		switch msg.Type {
		case driver.MessageText, driver.MessageThinking:
			transcript.WriteString(msg.Content)
			transcript.WriteString("\n")
		case driver.MessageToolCall:
			log.Debug("Tool call", "tool", msg.Tool)
		case driver.MessageError:
			streamErr = msg.Error
			streamTransient = msg.Transient
		case driver.MessageResult:
			resultContent = msg.Content
		}
		if ctx.Err() != nil {
			return failedResult(task.ID, ctx.Err().Error()), false
		}
	}

	if streamErr != "" {
		log.Warn("Task failed", "error", streamErr)
		return failedResult(task.ID, streamErr), streamTransient
	}

	output := resultContent
	if output == "" {
		output = strings.TrimSpace(transcript.String())
	}

	now := time.Now().UTC()
	log.Info("Task completed")
	return state.TaskResult{
		TaskID:      task.ID,
		Status:      state.TaskStatusCompleted,
		Output:      output,
		CompletedAt: &now,
	}, false
}

func failedResult(taskID, errMsg string) state.TaskResult {
	now := time.Now().UTC()
	return state.TaskResult{
		TaskID:      taskID,
		Status:      state.TaskStatusFailed,
		Error:       errMsg,
		CompletedAt: &now,
	}
}

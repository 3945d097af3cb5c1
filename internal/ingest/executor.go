package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/bissquit/ingest-scheduler/internal/pkg/ctxlog"
)

// OutcomeKind is the classified result of one execution.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeThrottled OutcomeKind = "throttled"
)

// Outcome is what the executor reports back to the queue.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	Retryable bool
	Cooldown  time.Duration
	Result    *Result
}

// ExecutorConfig contains executor configuration.
type ExecutorConfig struct {
	ExecTimeout time.Duration
}

// DefaultExecutorConfig returns default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		ExecTimeout: 10 * time.Minute,
	}
}

// Executor runs one claimed item through the work collaborator. Forwarding the
// result downstream is a separate step taken once the outcome is persisted.
type Executor struct {
	config     ExecutorConfig
	worker     Worker
	forwarder  Forwarder
	reporter   Reporter
	classifier *Classifier
}

// NewExecutor creates a new executor. Nil forwarder, reporter and classifier
// fall back to no-op and default implementations.
func NewExecutor(config ExecutorConfig, worker Worker, forwarder Forwarder, reporter Reporter, classifier *Classifier) *Executor {
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = DefaultExecutorConfig().ExecTimeout
	}
	if forwarder == nil {
		forwarder = NopForwarder{}
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	return &Executor{
		config:     config,
		worker:     worker,
		forwarder:  forwarder,
		reporter:   reporter,
		classifier: classifier,
	}
}

// ExecTimeout returns the per-item execution timeout.
func (e *Executor) ExecTimeout() time.Duration {
	return e.config.ExecTimeout
}

// Run executes item and classifies the result.
func (e *Executor) Run(ctx context.Context, item *domain.QueueItem) Outcome {
	start := time.Now()
	log := ctxlog.FromContext(ctx)

	execCtx, cancel := context.WithTimeout(ctx, e.config.ExecTimeout)
	result, err := e.worker.Execute(execCtx, item.WorkID)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err == nil && result == nil {
		err = NewTransientWorkError(errors.New("worker returned no result"))
	}

	var outcome Outcome
	switch {
	case err == nil:
		outcome = Outcome{Kind: OutcomeSuccess, Result: result}
	case timedOut:
		outcome = Outcome{
			Kind:      OutcomeFailed,
			Reason:    fmt.Sprintf("execution timed out after %s: %v", e.config.ExecTimeout, err),
			Retryable: true,
		}
	default:
		outcome = e.classifier.Classify(err)
	}

	duration := time.Since(start)
	recordExecution(outcome.Kind, duration)

	if outcome.Kind != OutcomeSuccess {
		log.Warn("work failed",
			"attempt", item.Attempts+1,
			"outcome", outcome.Kind,
			"retryable", outcome.Retryable,
			"error", outcome.Reason,
		)
		e.reporter.Report("work_failures", 1, map[string]string{"kind": string(outcome.Kind)})
		return outcome
	}

	log.Info("work executed", "duration", duration)
	return outcome
}

// Forward hands a successful result downstream. Failures are logged and
// counted, and never change the stored outcome.
func (e *Executor) Forward(ctx context.Context, item *domain.QueueItem, result *Result) error {
	if result == nil {
		return nil
	}

	payload := ForwardPayload{
		ItemID:      item.ID,
		WorkID:      item.WorkID,
		GroupID:     item.GroupID,
		Result:      result.Payload,
		ProcessedAt: time.Now().UTC(),
	}

	if err := e.forwarder.Forward(ctx, payload); err != nil {
		recordForward("failed")
		e.reporter.Report("forward_failures", 1, nil)
		ctxlog.FromContext(ctx).Error("failed to forward result", "error", err)
		return err
	}

	recordForward("success")
	return nil
}

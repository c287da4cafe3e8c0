package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/plan"
)

const defaultSubjectPrefix = "plans"

// NATSReporter publishes run events for external consumers. Subjects:
//
//	<prefix>.<run_id>.started              PlanEvent
//	<prefix>.<run_id>.steps.<step_id>.started   StepEvent
//	<prefix>.<run_id>.steps.<step_id>.finished  StepEvent with Result
//	<prefix>.<run_id>.finished             ExecutionResult
//
// The connection is owned by the caller. Close flushes pending publishes but
// leaves the connection open.
type NATSReporter struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSReporter creates a NATS reporter. subjectPrefix defaults to "plans"
// when empty.
func NewNATSReporter(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) (*NATSReporter, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	return &NATSReporter{
		nc:     nc,
		prefix: subjectPrefix,
		logger: logger,
	}, nil
}

func (r *NATSReporter) PlanStarted(_ context.Context, e PlanEvent) error {
	subject := fmt.Sprintf("%s.%s.started", r.prefix, subjectToken(e.RunID))
	return r.publish(subject, e)
}

func (r *NATSReporter) StepStarted(_ context.Context, e StepEvent) error {
	subject := fmt.Sprintf("%s.%s.steps.%s.started", r.prefix, subjectToken(e.RunID), subjectToken(e.StepID))
	return r.publish(subject, e)
}

func (r *NATSReporter) StepFinished(_ context.Context, e StepEvent) error {
	subject := fmt.Sprintf("%s.%s.steps.%s.finished", r.prefix, subjectToken(e.RunID), subjectToken(e.StepID))
	return r.publish(subject, e)
}

func (r *NATSReporter) PlanFinished(_ context.Context, result *plan.ExecutionResult) error {
	subject := fmt.Sprintf("%s.%s.finished", r.prefix, subjectToken(result.RunID))
	return r.publish(subject, result)
}

// Close flushes pending publishes.
func (r *NATSReporter) Close() error {
	if r.nc.IsClosed() {
		return nil
	}
	if err := r.nc.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("failed to flush nats publishes: %w", err)
	}
	return nil
}

func (r *NATSReporter) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	r.logger.Debug("published run event", zap.String("subject", subject))
	return nil
}

// tokenReplacer strips characters with subject-level meaning from
// caller-supplied ids.
var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

var _ Reporter = (*NATSReporter)(nil)

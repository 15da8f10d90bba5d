// Package publish announces finished runs on NATS JetStream.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/model"
)

const (
	resultStreamName    = "EXPERIMENTS"
	resultSubjectPrefix = "experiment.result"
	resultSubjects      = resultSubjectPrefix + ".*"
	streamMaxAge        = 30 * 24 * time.Hour
)

// Subject returns the subject a run's report is published on
func Subject(runID string) string {
	return resultSubjectPrefix + "." + runID
}

// StreamConfig describes the stream run reports are stored in
func StreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       resultStreamName,
		Subjects:   []string{resultSubjects},
		Retention:  nats.LimitsPolicy,
		MaxAge:     streamMaxAge,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: time.Hour,
	}
}

// Publisher publishes run reports to JetStream
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewPublisher creates a publisher and makes sure the result stream exists
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		js:     js,
		logger: logger.Named("publisher"),
	}

	if err := p.setupStream(); err != nil {
		return nil, fmt.Errorf("failed to setup result stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) setupStream() error {
	_, err := p.js.StreamInfo(resultStreamName)
	if err == nil {
		p.logger.Info("Using existing stream", zap.String("name", resultStreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(StreamConfig())
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", resultStreamName, err)
	}

	p.logger.Info("Created stream", zap.String("name", resultStreamName))
	return nil
}

// Publish publishes report on its run subject. Republishing the same run is deduplicated.
func (p *Publisher) Publish(ctx context.Context, report *model.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	if _, err := p.js.Publish(Subject(report.RunID), data, nats.Context(ctx), nats.MsgId(report.RunID)); err != nil {
		p.logger.Error("Failed to publish run report",
			zap.String("run_id", report.RunID),
			zap.Error(err))
		return fmt.Errorf("failed to publish run report: %w", err)
	}

	p.logger.Info("Run report published",
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)))
	return nil
}

// Subscribe delivers every published report to handler until ctx is done
func (p *Publisher) Subscribe(ctx context.Context, handler func(model.RunReport)) error {
	sub, err := p.js.Subscribe(resultSubjects, func(msg *nats.Msg) {
		var report model.RunReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			p.logger.Error("Failed to unmarshal run report", zap.Error(err))
			return
		}

		handler(report)
		msg.Ack()
	}, nats.DeliverAll())
	if err != nil {
		return fmt.Errorf("failed to subscribe to run reports: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

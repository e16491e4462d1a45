package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpGuard/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
)

// DecisionPublisher publishes mode decisions to NATS for downstream
// consumers (strategy processes, dashboards). Publishing is best-effort:
// a failed publish is logged and dropped, the status surface remains the
// authoritative read.
type DecisionPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan Decision
	metrics   *observability.Metrics
}

// Decision is one published mode evaluation outcome.
type Decision struct {
	Mode            string   `json:"mode"`
	Reasons         []string `json:"reasons"`
	LatchEngaged    bool     `json:"latch_engaged"`
	LatchReasons    []string `json:"latch_reason_codes"`
	SnapshotVersion int64    `json:"snapshot_version"`
	TimestampUs     int64    `json:"timestamp_us"`
}

func NewDecisionPublisher(js jetstream.JetStream, inputChan <-chan Decision, metrics *observability.Metrics) *DecisionPublisher {
	return &DecisionPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the publisher loop. Blocks until ctx is cancelled.
func (dp *DecisionPublisher) Run(ctx context.Context) error {
	log := observability.NewLogger("decision-publisher")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-dp.inputChan:
			if !ok {
				return nil
			}

			if err := dp.publish(ctx, d); err != nil {
				log.Warn().Err(err).Str("mode", d.Mode).Msg("decision publish failed")
				if dp.metrics != nil {
					dp.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (dp *DecisionPublisher) publish(ctx context.Context, d Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	_, err = dp.js.Publish(ctx, "guard.decisions.mode", data)
	return err
}

// EnsureDecisionStream creates the outbound decisions stream.
func EnsureDecisionStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "GUARD_DECISIONS",
		Subjects:  []string{"guard.decisions.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create decisions stream: %w", err)
	}
	log := observability.NewLogger("decision-publisher")
	log.Info().Msg("ensured stream GUARD_DECISIONS")
	return nil
}

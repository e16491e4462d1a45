// Package ingestion is the shell between NATS JetStream and the
// single-threaded evaluation loop: it subscribes to the venue, telemetry,
// market-data, and operator subjects, parses payloads into typed events,
// and publishes outbound decision records.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpGuard/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw events into
// the evaluation loop via eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
}

// RawEvent is the parsed-but-untyped message from NATS, ready for the shell
// to validate and convert into a typed event before it reaches the loop.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Each payload
// type has its own subject so feeds can be scaled and replayed separately.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "guard.venue.acks.>", EventType: "OrderAck", ConsumerName: "guard-acks", StreamName: "GUARD_VENUE"},
		{Subject: "guard.venue.rejects.>", EventType: "OrderReject", ConsumerName: "guard-rejects", StreamName: "GUARD_VENUE"},
		{Subject: "guard.venue.fills.>", EventType: "Fill", ConsumerName: "guard-fills", StreamName: "GUARD_VENUE"},
		{Subject: "guard.venue.cancels.>", EventType: "CancelAck", ConsumerName: "guard-cancels", StreamName: "GUARD_VENUE"},
		{Subject: "guard.venue.session.>", EventType: "SessionNotice", ConsumerName: "guard-session", StreamName: "GUARD_VENUE"},
		{Subject: "guard.venue.instruments.>", EventType: "InstrumentUpdate", ConsumerName: "guard-instruments", StreamName: "GUARD_VENUE"},
		{Subject: "guard.venue.reports.>", EventType: "AccountReport", ConsumerName: "guard-reports", StreamName: "GUARD_VENUE"},
		{Subject: "guard.md.prices.>", EventType: "PriceUpdate", ConsumerName: "guard-prices", StreamName: "GUARD_MARKETDATA"},
		{Subject: "guard.telemetry.>", EventType: "TelemetrySample", ConsumerName: "guard-telemetry", StreamName: "GUARD_TELEMETRY"},
		{Subject: "guard.ops.commands.>", EventType: "OperatorCommand", ConsumerName: "guard-ops", StreamName: "GUARD_OPS"},
		{Subject: "guard.intents.>", EventType: "IntentRequest", ConsumerName: "guard-intents", StreamName: "GUARD_INTENTS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	log := observability.NewLogger("nats-subscriber")

	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		filterSubject := cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			start := time.Now()
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: start,
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				if ns.metrics != nil {
					// Hand-off time into the evaluation loop, labeled by the
					// consumer's filter subject to bound cardinality.
					ns.metrics.NATSPullLatency.WithLabelValues(filterSubject).Observe(time.Since(start).Seconds())
				}
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("nats-subscriber")

	streams := []jetstream.StreamConfig{
		{
			Name:      "GUARD_VENUE",
			Subjects:  []string{"guard.venue.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "GUARD_MARKETDATA",
			Subjects:  []string{"guard.md.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "GUARD_TELEMETRY",
			Subjects:  []string{"guard.telemetry.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "GUARD_OPS",
			Subjects:  []string{"guard.ops.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "GUARD_INTENTS",
			Subjects:  []string{"guard.intents.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log := observability.NewLogger("nats-subscriber")
	log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

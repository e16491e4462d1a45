package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpGuard/internal/intent"
	"PerpGuard/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSDispatcher sends recorded intents to the venue gateway over
// JetStream. It is the only Dispatcher implementation in production; tests
// substitute their own. By the time an intent reaches here it has already
// been durably recorded and marked sent.
type NATSDispatcher struct {
	js jetstream.JetStream
}

func NewNATSDispatcher(js jetstream.JetStream) *NATSDispatcher {
	return &NATSDispatcher{js: js}
}

// orderWireJSON is the outbound order payload.
type orderWireJSON struct {
	Label      string `json:"label"`
	Market     string `json:"market"`
	Side       string `json:"side"`
	Class      string `json:"class"`
	QtySteps   int64  `json:"qty_steps"`
	PriceTicks int64  `json:"price_ticks"`
	TIF        string `json:"tif"`
	ReduceOnly bool   `json:"reduce_only"`
	GroupID    string `json:"group_id"`
	LegIdx     uint32 `json:"leg_idx"`
}

// Dispatch publishes the intent to the venue gateway subject. Cancels go
// out on their own subject so the gateway can prioritize them.
func (d *NATSDispatcher) Dispatch(ctx context.Context, it *intent.Intent) error {
	wire := orderWireJSON{
		Label:      it.Label,
		Market:     it.Instrument,
		Side:       it.Side.String(),
		Class:      it.Class.String(),
		QtySteps:   it.QtySteps,
		PriceTicks: it.PriceTicks,
		TIF:        it.TIF.String(),
		ReduceOnly: it.ReduceOnly,
		GroupID:    it.GroupID.String(),
		LegIdx:     it.LegIdx,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	subject := fmt.Sprintf("guard.orders.new.%s", it.Instrument)
	if it.Class == intent.Cancel {
		subject = fmt.Sprintf("guard.orders.cancel.%s", it.Instrument)
	}

	_, err = d.js.Publish(ctx, subject, data)
	return err
}

// EnsureOrderStream creates the outbound orders stream consumed by the
// venue gateway.
func EnsureOrderStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "GUARD_ORDERS",
		Subjects:  []string{"guard.orders.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create orders stream: %w", err)
	}
	log := observability.NewLogger("dispatcher")
	log.Info().Msg("ensured stream GUARD_ORDERS")
	return nil
}

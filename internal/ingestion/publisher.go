package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"WindowLedger/internal/engine"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes terminal window results to NATS for downstream
// consumers. It drains the engine's non-blocking publish channel: a consumer
// that falls behind misses results and catches up from storage.
// Subjects: wl.results.{status}.{uid} and wl.funding.applied.{uid}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	log       zerolog.Logger
}

// resultMessage is the outbound wire form of one settled window.
type resultMessage struct {
	UID       string    `json:"uid"`
	WindowID  string    `json:"window_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Entry     string    `json:"entry"`
	Proceeds  string    `json:"proceeds"`
	Fees      string    `json:"fees"`
	RowCount  int       `json:"row_count"`
	TipHash   string    `json:"tip_hash,omitempty"`
	SettledAt time.Time `json:"settled_at"`
}

type fundingMessage struct {
	UID          string    `json:"uid"`
	RefID        string    `json:"ref_id"`
	Action       string    `json:"action"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balance_after"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read storage directly.
				op.log.Warn().Str("uid", out.Result.UID).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	if out.IsFunding() {
		for _, row := range out.FundingRows {
			msg := fundingMessage{
				UID:          row.UID,
				RefID:        row.TradeID,
				Action:       row.Action.String(),
				Amount:       row.Amount.String(),
				BalanceAfter: row.BalanceAfter.String(),
				Timestamp:    row.Timestamp,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal funding message: %w", err)
			}
			subject := fmt.Sprintf("wl.funding.applied.%s", row.UID)
			if _, err := op.js.Publish(ctx, subject, data); err != nil {
				return err
			}
		}
		return nil
	}

	res := out.Result
	msg := resultMessage{
		UID:       res.UID,
		WindowID:  res.WindowID,
		Status:    res.Status.String(),
		Reason:    res.Reason,
		Entry:     res.Entry.String(),
		Proceeds:  res.Proceeds.String(),
		Fees:      res.Fees.String(),
		RowCount:  len(res.Rows),
		SettledAt: res.SettledAt,
	}
	if n := len(res.Rows); n > 0 {
		tip := res.Rows[n-1].RowHash
		msg.TipHash = hex.EncodeToString(tip[:])
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal result message: %w", err)
	}

	subject := fmt.Sprintf("wl.results.%s.%s", res.Status.String(), res.UID)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound results stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "WL_RESULTS",
		Subjects:  []string{"wl.results.>", "wl.funding.applied.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "WL_RESULTS").Msg("ensured outbound stream")
	return nil
}

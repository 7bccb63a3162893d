package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Message is a recorded event waiting to be published.
type Message struct {
	// Seq is the store's sequence number, used to mark the message sent.
	Seq     int64
	OrderID int64
	Type    string
	Payload []byte
}

// Source yields unsent messages in recording order.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]Message, error)
	MarkSent(ctx context.Context, seqs []int64) error
}

// Publisher delivers messages to subscribers. Delivery is at least once:
// a message may be published again if marking it sent fails.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// RelayConfig tunes the polling loop.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Relay moves messages from a Source to a Publisher.
type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batchSize int
}

// NewRelay creates a Relay. Zero config values fall back to one second and
// 100 messages.
func NewRelay(source Source, publisher Publisher, cfg RelayConfig) *Relay {
	r := &Relay{
		source:    source,
		publisher: publisher,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
	if r.interval <= 0 {
		r.interval = time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	return r
}

// Run flushes on every tick until ctx is cancelled. Flush errors are logged
// and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := r.Flush(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			lg.Warn("Outbox flush failed", zap.Error(err))
		case n > 0:
			lg.Debug("Outbox flushed", zap.Int("messages", n))
		}
	}
}

// Flush publishes pending batches until the source is drained and returns
// the number of messages published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	var total int
	for {
		msgs, err := r.source.FetchPending(ctx, r.batchSize)
		if err != nil {
			return total, errors.Wrap(err, "fetch pending")
		}
		if len(msgs) == 0 {
			return total, nil
		}

		if err := r.publisher.Publish(ctx, msgs); err != nil {
			return total, errors.Wrap(err, "publish")
		}

		seqs := make([]int64, len(msgs))
		for i, m := range msgs {
			seqs[i] = m.Seq
		}
		if err := r.source.MarkSent(ctx, seqs); err != nil {
			return total, errors.Wrap(err, "mark sent")
		}
		total += len(msgs)

		if len(msgs) < r.batchSize {
			return total, nil
		}
	}
}

// LogPublisher logs each message instead of delivering it. It stands in for
// a broker in development.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, msgs []Message) error {
	lg := zctx.From(ctx)
	for _, m := range msgs {
		lg.Info("Order event",
			zap.Int64("order_id", m.OrderID),
			zap.String("type", m.Type),
			zap.ByteString("payload", m.Payload),
		)
	}
	return nil
}

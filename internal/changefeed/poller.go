package changefeed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/migration-factory/internal/log"
)

// Handler reacts to one batch of change records. Returning an error leaves the
// cursor in place so the whole batch is redelivered on the next poll.
type Handler interface {
	Handle(ctx context.Context, records []Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, records []Record) error

func (f HandlerFunc) Handle(ctx context.Context, records []Record) error { return f(ctx, records) }

// Consumer names a reactor and the tables it listens to.
type Consumer struct {
	Name    string
	Tables  []string
	Handler Handler
}

// Poller delivers change-feed batches to one consumer, at least once.
type Poller struct {
	reader    *Reader
	consumer  Consumer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewPoller(db *sql.DB, consumer Consumer, interval time.Duration, batchSize int) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Poller{
		reader:    NewReader(db),
		consumer:  consumer,
		interval:  interval,
		batchSize: batchSize,
		logger:    log.WithComponent("changefeed").With("consumer", consumer.Name),
	}
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info("change feed poller started", "tables", p.consumer.Tables)
	defer p.logger.Info("change feed poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := p.PollOnce(ctx)
				if err != nil {
					p.logger.Error("change feed batch failed, will redeliver", "error", err)
					break
				}
				// Drain backlog without waiting a tick between full batches.
				if n < p.batchSize {
					break
				}
			}
		}
	}
}

// PollOnce delivers at most one batch and returns how many records it held.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	records, err := p.reader.Next(ctx, p.consumer.Name, p.consumer.Tables, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := p.consumer.Handler.Handle(ctx, records); err != nil {
		return 0, fmt.Errorf("handle batch ending seq=%d: %w", records[len(records)-1].Seq, err)
	}
	if err := p.reader.Ack(ctx, p.consumer.Name, records[len(records)-1].Seq); err != nil {
		return 0, err
	}
	return len(records), nil
}

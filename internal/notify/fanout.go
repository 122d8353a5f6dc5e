package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/migration-factory/internal/events"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/store"
)

//go:generate mockgen -destination=mocks/mock_notify.go -package=mocks github.com/mattjoyce/migration-factory/internal/notify Poster,ConnectionLister

// Poster pushes a payload to one live connection.
type Poster interface {
	PostToConnection(ctx context.Context, connectionID string, payload []byte) error
}

// ConnectionLister pages through live connections. An empty next token means
// the last page was returned.
type ConnectionLister interface {
	Scan(ctx context.Context, token string, limit int) ([]store.Connection, string, error)
}

// Report summarizes one delivery.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// FanOut delivers notifications to every connection, best effort.
type FanOut struct {
	conns    ConnectionLister
	poster   Poster
	pageSize int
	logger   *slog.Logger
}

func NewFanOut(conns ConnectionLister, poster Poster, pageSize int, logger *slog.Logger) *FanOut {
	if pageSize <= 0 {
		pageSize = 100
	}
	if logger == nil {
		logger = log.WithComponent("notify")
	}
	return &FanOut{conns: conns, poster: poster, pageSize: pageSize, logger: logger}
}

// Deliver pushes ev to all connections. Push failures are logged and skipped;
// only a failed connection scan is returned as an error.
func (f *FanOut) Deliver(ctx context.Context, ev TriggerEvent) (Report, error) {
	var report Report
	payload, err := json.Marshal(ev.Notification())
	if err != nil {
		return report, fmt.Errorf("encode notification: %w", err)
	}

	token := ""
	for {
		page, next, err := f.conns.Scan(ctx, token, f.pageSize)
		if err != nil {
			return report, fmt.Errorf("scan connections: %w", err)
		}
		for _, c := range page {
			report.Attempted++
			if err := f.poster.PostToConnection(ctx, c.ConnectionID, payload); err != nil {
				report.Failed++
				if errors.Is(err, ErrGone) {
					f.logger.Debug("connection gone", "connection_id", c.ConnectionID)
				} else {
					f.logger.Warn("post to connection failed", "connection_id", c.ConnectionID, "error", err)
				}
				continue
			}
			report.Delivered++
		}
		if next == "" {
			break
		}
		token = next
	}

	f.logger.Debug("notification delivered",
		"uuid", ev.Detail.UUID,
		"detail_type", ev.DetailType,
		"attempted", report.Attempted,
		"failed", report.Failed,
	)
	return report, nil
}

// Run delivers every trigger event published on bus until ctx is cancelled.
func (f *FanOut) Run(ctx context.Context, bus *events.Bus) error {
	ch, cancel := bus.Subscribe(EventType)
	defer cancel()

	f.logger.Info("notification fan-out started")
	defer f.logger.Info("notification fan-out stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := ParseTrigger(msg.Data)
			if err != nil {
				f.logger.Error("dropping trigger event", "event_id", msg.ID, "error", err)
				continue
			}
			if _, err := f.Deliver(ctx, ev); err != nil {
				f.logger.Error("notification delivery aborted", "uuid", ev.Detail.UUID, "error", err)
			}
		}
	}
}

package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

const sinkTimeout = 5 * time.Second

// BusForwarder republishes alerts on the event bus topic ballotwatch.alert.
type BusForwarder struct {
	bus domain.EventBus
}

// NewBusForwarder creates a forwarder onto bus.
func NewBusForwarder(bus domain.EventBus) *BusForwarder {
	return &BusForwarder{bus: bus}
}

// Send publishes fraud alerts and ignores pings. Bus errors are logged and
// do not detach the forwarder.
func (f *BusForwarder) Send(msg *Message) error {
	if msg.Type != TypeFraudAlert || msg.Data == nil {
		return nil
	}

	payload, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := f.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
		slog.Error("failed to forward alert", "alert_id", msg.Data.AlertID, "error", err)
	}
	return nil
}

// Archive stores every alert in the repository so history outlives the
// in-memory retention window.
type Archive struct {
	repo domain.Repository
}

// NewArchive creates an archive subscriber.
func NewArchive(repo domain.Repository) *Archive {
	return &Archive{repo: repo}
}

// Send persists fraud alerts and ignores pings. Storage errors are logged
// and do not detach the archive.
func (a *Archive) Send(msg *Message) error {
	if msg.Type != TypeFraudAlert || msg.Data == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := a.repo.SaveAlert(ctx, msg.Data); err != nil {
		slog.Error("failed to archive alert", "alert_id", msg.Data.AlertID, "error", err)
	}
	return nil
}

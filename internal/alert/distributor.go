// Package alert publishes fraud verdicts as alerts, keeps a bounded alert log
// and fans alerts out to registered subscribers.
package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/metrics"
)

// Message types on the alert feed.
const (
	TypeFraudAlert = "fraud_alert"
	TypePing       = "ping"
)

// ErrNotFraud is returned when publishing a verdict that is not fraud.
var ErrNotFraud = errors.New("verdict is not fraud")

// Message is one item of the alert feed.
type Message struct {
	Type      string        `json:"type"`
	Data      *domain.Alert `json:"data,omitempty"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

// Subscriber receives feed messages. A Send error unregisters the subscriber.
// Subscribers that also implement io.Closer are closed when unregistered.
type Subscriber interface {
	Send(msg *Message) error
}

// Handle identifies a registration.
type Handle uint64

// Config bounds the distributor's memory.
type Config struct {
	// Retention is the number of alerts kept for Recent.
	Retention int

	// QueueSize is the per-subscriber backlog; a full queue drops the subscriber.
	QueueSize int
}

// Stats is a point-in-time view of the distributor.
type Stats struct {
	ConnectedSubscribers int    `json:"connected_subscribers"`
	TotalAlerts          uint64 `json:"total_alerts"`
}

type subscription struct {
	handle Handle
	sub    Subscriber
	queue  chan *Message
	done   chan struct{}
	once   sync.Once
}

// Distributor assigns alert ids and severities and broadcasts alerts.
type Distributor struct {
	mu     sync.Mutex
	seq    uint64
	ring   []*domain.Alert
	head   int
	size   int
	subs   map[Handle]*subscription
	nextID Handle
	wg     sync.WaitGroup

	queueSize int
}

// NewDistributor creates a distributor.
func NewDistributor(cfg Config) *Distributor {
	if cfg.Retention <= 0 {
		cfg.Retention = 10000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Distributor{
		ring:      make([]*domain.Alert, cfg.Retention),
		subs:      make(map[Handle]*subscription),
		queueSize: cfg.QueueSize,
	}
}

// Publish turns a fraud verdict into an alert, appends it to the log and
// queues it for every subscriber. It never waits on a subscriber. Alerts are
// queued under the same lock that assigns their sequence, so every subscriber
// sees them in alert_id order.
func (d *Distributor) Publish(v *domain.Verdict) (*domain.Alert, error) {
	if v == nil || !v.IsFraud {
		return nil, ErrNotFraud
	}

	d.mu.Lock()
	d.seq++
	a := &domain.Alert{
		AlertID:     fmt.Sprintf("ALERT_%06d", d.seq),
		Sequence:    d.seq,
		Severity:    domain.SeverityFor(v.FraudProbability),
		PublishedAt: time.Now().UTC(),
		Verdict:     *v,
	}
	d.ring[(d.head+d.size)%len(d.ring)] = a
	if d.size < len(d.ring) {
		d.size++
	} else {
		d.head = (d.head + 1) % len(d.ring)
	}
	full := d.enqueueLocked(&Message{Type: TypeFraudAlert, Data: a})
	d.mu.Unlock()

	d.dropFull(full)
	metrics.AlertsPublished.WithLabelValues(string(a.Severity)).Inc()
	slog.Info("fraud alert published",
		"alert_id", a.AlertID,
		"vote_id", a.VoteID,
		"severity", a.Severity,
		"fraud_probability", a.FraudProbability,
	)
	return a, nil
}

// Register adds a subscriber and starts its delivery goroutine.
func (d *Distributor) Register(sub Subscriber) Handle {
	return d.RegisterBuffered(sub, d.queueSize)
}

// RegisterBuffered is Register with a dedicated queue size, for internal
// sinks that must absorb bursts.
func (d *Distributor) RegisterBuffered(sub Subscriber, queueSize int) Handle {
	if queueSize <= 0 {
		queueSize = d.queueSize
	}

	d.mu.Lock()
	d.nextID++
	s := &subscription{
		handle: d.nextID,
		sub:    sub,
		queue:  make(chan *Message, queueSize),
		done:   make(chan struct{}),
	}
	d.subs[s.handle] = s
	n := len(d.subs)
	d.mu.Unlock()

	metrics.AlertSubscribers.Set(float64(n))

	d.wg.Add(1)
	go d.deliver(s)
	return s.handle
}

// Unregister removes a subscriber. Unknown handles are ignored.
func (d *Distributor) Unregister(h Handle) {
	d.mu.Lock()
	s, ok := d.subs[h]
	delete(d.subs, h)
	n := len(d.subs)
	d.mu.Unlock()

	if !ok {
		return
	}
	metrics.AlertSubscribers.Set(float64(n))
	s.stop()
}

// Recent returns up to limit of the most recent alerts, oldest first.
// A limit of 0 or less returns every retained alert.
func (d *Distributor) Recent(limit int) []*domain.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*domain.Alert, n)
	start := d.head + d.size - n
	for i := 0; i < n; i++ {
		out[i] = d.ring[(start+i)%len(d.ring)]
	}
	return out
}

// Stats returns the subscriber count and the number of alerts ever published.
func (d *Distributor) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		ConnectedSubscribers: len(d.subs),
		TotalAlerts:          d.seq,
	}
}

// KeepAlive pings every subscriber at interval until ctx is done.
func (d *Distributor) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Ping(now)
		}
	}
}

// Ping queues a keep-alive message for every subscriber.
func (d *Distributor) Ping(now time.Time) {
	ts := now.UTC()
	d.mu.Lock()
	full := d.enqueueLocked(&Message{Type: TypePing, Timestamp: &ts})
	d.mu.Unlock()

	d.dropFull(full)
}

// Close unregisters every subscriber and waits for delivery goroutines to exit.
func (d *Distributor) Close() error {
	d.mu.Lock()
	subs := d.snapshotLocked()
	d.subs = make(map[Handle]*subscription)
	d.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	d.wg.Wait()
	metrics.AlertSubscribers.Set(0)
	return nil
}

func (d *Distributor) snapshotLocked() []*subscription {
	out := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s)
	}
	return out
}

// enqueueLocked offers msg to every subscriber without blocking and returns
// the subscribers whose queue was full. d.mu must be held.
func (d *Distributor) enqueueLocked(msg *Message) []Handle {
	var full []Handle
	for h, s := range d.subs {
		select {
		case <-s.done:
		case s.queue <- msg:
		default:
			full = append(full, h)
		}
	}
	return full
}

// dropFull unregisters subscribers that failed to accept a message.
func (d *Distributor) dropFull(full []Handle) {
	for _, h := range full {
		metrics.AlertSubscriberDrops.WithLabelValues("queue_full").Inc()
		slog.Warn("alert subscriber queue full, unregistering", "handle", h)
		d.Unregister(h)
	}
}

func (d *Distributor) deliver(s *subscription) {
	defer d.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.sub.Send(msg); err != nil {
				metrics.AlertSubscriberDrops.WithLabelValues("send_error").Inc()
				slog.Warn("alert subscriber failed, unregistering", "handle", s.handle, "error", err)
				d.Unregister(s.handle)
				return
			}
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		if c, ok := s.sub.(io.Closer); ok {
			_ = c.Close()
		}
	})
}

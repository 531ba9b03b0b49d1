package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, domain.TopicVoteIngested, func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicVoteIngested, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-received:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.Topic != domain.TopicVoteIngested {
				t.Errorf("expected topic %s, got %s", domain.TopicVoteIngested, msg.Topic)
			}
			if msg.ID == "" || msg.Timestamp == 0 {
				t.Error("message id and timestamp must be set")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var verdicts, alerts atomic.Int32

		bus.Subscribe(ctx, domain.TopicVerdict, func(ctx context.Context, msg *domain.Message) error {
			verdicts.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicVerdict, []byte("v1"))
		time.Sleep(50 * time.Millisecond)

		if verdicts.Load() != 1 {
			t.Errorf("verdict subscriber should receive 1 message, got %d", verdicts.Load())
		}
		if alerts.Load() != 0 {
			t.Errorf("alert subscriber should receive 0 messages, got %d", alerts.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); err == nil {
			t.Error("expected error for empty topic")
		}
		_, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("HandlerErrorKeepsSubscription", func(t *testing.T) {
		var count atomic.Int32
		bus.Subscribe(ctx, "err.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return errors.New("boom")
		})

		bus.Publish(ctx, "err.topic", []byte("1"))
		bus.Publish(ctx, "err.topic", []byte("2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 2 {
			t.Errorf("expected 2 deliveries, got %d", count.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusBackpressure(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	defer close(release)

	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	// One message held by the handler, one in the buffer.
	if err := bus.Publish(ctx, "slow.topic", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "slow.topic", []byte("2")); err != nil {
		t.Fatal(err)
	}

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := bus.Publish(tctx, "slow.topic", []byte("3")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected publish to wait and time out, got %v", err)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if _, err := bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error { return nil }); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "rabbitmq"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestEncodeEnvelope(t *testing.T) {
	data, err := encodeEnvelope(domain.TopicAlert, []byte(`{"alert_id":"ALERT_000001"}`))
	if err != nil {
		t.Fatal(err)
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Topic != domain.TopicAlert || msg.ID == "" {
		t.Errorf("unexpected envelope %+v", msg)
	}
	if string(msg.Payload) != `{"alert_id":"ALERT_000001"}` {
		t.Errorf("payload not preserved: %s", msg.Payload)
	}

	if _, err := encodeEnvelope("", nil); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/event"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func expectNothing(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message from %s: %+v", msg.Origin, msg.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := newCodec(t)
	env, err := event.Wrap(event.ReactionUpdated{ID: "p1", Reaction: "like", Count: 2})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	raw, err := codec.Encode(Message{Origin: "node-a", SentAt: 1234, Event: env})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Origin != "node-a" || got.SentAt != 1234 {
		t.Errorf("header mismatch: %+v", got)
	}
	ev, err := event.Unwrap(got.Event)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if r, ok := ev.(event.ReactionUpdated); !ok || r.Count != 2 || r.ID != "p1" {
		t.Errorf("event mismatch: %#v", ev)
	}

	if _, err := codec.Decode([]byte("definitely not zstd")); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestMemoryDeliversToOtherInstancesOnly(t *testing.T) {
	codec := newCodec(t)
	broker := NewBroker()
	a := NewMemory(broker, "node-a", codec, zap.NewNop())
	b := NewMemory(broker, "node-b", codec, zap.NewNop())
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subA, err := a.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	subB, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	env, _ := event.Wrap(event.PostDeleted{ID: "gone"})
	if err := a.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := receive(t, subB)
	if msg.Origin != "node-a" || msg.Event.PostID != "gone" {
		t.Errorf("unexpected message: %+v", msg)
	}
	expectNothing(t, subA)
}

func TestMemorySubscriptionClosesOnCancelAndClose(t *testing.T) {
	codec := newCodec(t)
	broker := NewBroker()
	m := NewMemory(broker, "node-a", codec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	waitClosed(t, sub)

	sub, err = m.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	m.Close()
	waitClosed(t, sub)

	if _, err := m.Subscribe(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("subscribe after close: %v, want ErrClosed", err)
	}
	env, _ := event.Wrap(event.PostDeleted{ID: "x"})
	if err := m.Publish(context.Background(), env); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: %v, want ErrClosed", err)
	}
}

func waitClosed(t *testing.T, ch <-chan Message) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed")
		}
	}
}

func TestRedisDeliversToOtherInstancesOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	codec := newCodec(t)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientA.Close()
	defer clientB.Close()

	a := NewRedis(clientA, "", "node-a", codec, zap.NewNop())
	b := NewRedis(clientB, "", "node-b", codec, zap.NewNop())
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subA, err := a.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	subB, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	env, _ := event.Wrap(event.ReactionUpdated{ID: "p1", Reaction: "like", Count: 5})
	if err := a.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := receive(t, subB)
	if msg.Origin != "node-a" || msg.Event.Type != event.TypeReactionUpdated {
		t.Errorf("unexpected message: %+v", msg)
	}
	expectNothing(t, subA)
}

func TestRedisPublishFailsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	r := NewRedis(client, "", "node-a", newCodec(t), zap.NewNop())
	mr.Close()

	env, _ := event.Wrap(event.PostDeleted{ID: "x"})
	if err := r.Publish(context.Background(), env); err == nil {
		t.Fatal("expected publish error with server down")
	}
}

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStreamPublisherAppendsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := NewRedisStreamPublisherWithClient(client, "test:events", 100)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := p.Publish(ctx, []Event{
		{Kind: Persisted, Entity: EntityChannel, Key: "1", Payload: map[string]string{"name": "general"}, At: at},
		{Kind: Removed, Entity: EntityMessage, Key: "7", At: at},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := client.XRange(ctx, "test:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stream length = %d, want 2", len(msgs))
	}
	first := msgs[0].Values
	if first["kind"] != "persisted" || first["entity"] != "channel" || first["key"] != "1" {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(first["payload"].(string)), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["name"] != "general" {
		t.Fatalf("payload name = %q, want general", payload["name"])
	}
	if msgs[1].Values["at"] != at.Format(time.RFC3339Nano) {
		t.Fatalf("at = %v", msgs[1].Values["at"])
	}
}

func TestRedisStreamPublisherSkipsEmptyBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := NewRedisStreamPublisherWithClient(client, "", 0)

	if err := p.Publish(context.Background(), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if mr.Exists("imcore:events") {
		t.Fatalf("expected no stream to be created")
	}
}

func TestNewRedisStreamPublisherRequiresAddr(t *testing.T) {
	if _, err := NewRedisStreamPublisher(RedisStreamConfig{Addr: "  "}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

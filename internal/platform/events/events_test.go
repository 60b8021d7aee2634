package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := NewRedisPublisher(client, "test:outcomes")
	o := Outcome{MessageID: 42, Kind: "result", Reason: "ok", Ack: "AA", Created: 1}
	if err := p.Publish(context.Background(), o); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	entries, err := client.XRange(context.Background(), "test:outcomes", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	values := entries[0].Values
	if values["message_id"] != "42" {
		t.Errorf("expected message_id '42', got %v", values["message_id"])
	}
	if values["reason"] != "ok" {
		t.Errorf("expected reason 'ok', got %v", values["reason"])
	}

	var decoded Outcome
	if err := json.Unmarshal([]byte(values["data"].(string)), &decoded); err != nil {
		t.Fatalf("data is not JSON: %v", err)
	}
	if decoded.Created != 1 || decoded.At.IsZero() {
		t.Errorf("unexpected decoded outcome: %+v", decoded)
	}
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	p, err := Dial(context.Background(), "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer p.Close()

	if p.stream != DefaultStream {
		t.Errorf("expected default stream, got %q", p.stream)
	}
	if err := p.Publish(context.Background(), Outcome{Kind: "query"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if n, _ := p.client.XLen(context.Background(), DefaultStream).Result(); n != 1 {
		t.Errorf("expected stream length 1, got %d", n)
	}
}

func TestDial_BadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "not a url", ""); err == nil {
		t.Error("expected error for malformed url")
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), Outcome{}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

package cache

import (
	"context"
	"testing"
	"time"

	"mdbin/pkg/domain"
)

func TestLRUClonesEntries(t *testing.T) {
	c, err := NewLRU(10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	p := &domain.Paste{CustomURL: "alice", Content: "v1", Metadata: &domain.Metadata{Owner: "bob"}}
	c.Fill(p, c.Ticket())
	p.Content = "mutated"
	p.Metadata.Owner = "mallory"

	got := c.Get(context.Background(), "alice")
	if got == nil {
		t.Fatal("expected cache hit")
	}
	if got.Content != "v1" || got.Metadata.Owner != "bob" {
		t.Errorf("cache entry was mutated through the caller's pointer: %+v", got)
	}
	got.Content = "changed again"
	if again := c.Get(context.Background(), "alice"); again.Content != "v1" {
		t.Errorf("cache entry was mutated through a returned pointer")
	}
}

func TestLRUExpiryAndDelete(t *testing.T) {
	c, err := NewLRU(10, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	c.Fill(&domain.Paste{CustomURL: "gone"}, c.Ticket())
	time.Sleep(20 * time.Millisecond)
	if c.Get(context.Background(), "gone") != nil {
		t.Error("expired entry returned")
	}
	c.Fill(&domain.Paste{CustomURL: "gone"}, c.Ticket())
	c.Delete("gone")
	if c.Get(context.Background(), "gone") != nil {
		t.Error("deleted entry returned")
	}
}

func TestLRUFillAfterDeleteIsRefused(t *testing.T) {
	c, _ := NewLRU(10, time.Minute)
	ticket := c.Ticket()
	// the paste is rewritten and evicted while the reader still holds the old copy
	c.Delete("doc")
	if c.Fill(&domain.Paste{CustomURL: "doc", Content: "stale"}, ticket) {
		t.Error("stale fill accepted")
	}
	if c.Get(context.Background(), "doc") != nil {
		t.Error("stale entry cached")
	}
	if !c.Fill(&domain.Paste{CustomURL: "doc", Content: "fresh"}, c.Ticket()) {
		t.Error("fresh fill refused")
	}
	if !c.Fill(&domain.Paste{CustomURL: "other"}, ticket) {
		t.Error("tombstone leaked to another key")
	}
}

func TestLRUEvictedTombstoneRaisesFloor(t *testing.T) {
	c, _ := NewLRU(2, time.Minute)
	ticket := c.Ticket()
	c.Delete("a")
	c.Delete("b")
	c.Delete("c")
	if c.Fill(&domain.Paste{CustomURL: "a"}, ticket) {
		t.Error("fill accepted after its tombstone was evicted")
	}
	if !c.Fill(&domain.Paste{CustomURL: "a"}, c.Ticket()) {
		t.Error("fresh fill refused")
	}
}

func TestLRUCancelledContext(t *testing.T) {
	c, _ := NewLRU(10, time.Minute)
	c.Fill(&domain.Paste{CustomURL: "x"}, c.Ticket())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Get(ctx, "x") != nil {
		t.Error("cancelled context should miss")
	}
}

func TestNewLRUBounds(t *testing.T) {
	if _, err := NewLRU(0, time.Minute); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := NewLRU(100001, time.Minute); err == nil {
		t.Error("expected error for oversized cache")
	}
}

func TestDigests(t *testing.T) {
	d, err := NewDigests(2)
	if err != nil {
		t.Fatal(err)
	}
	d.Set("a", "1")
	d.Set("b", "2")
	d.Set("c", "3")
	if _, ok := d.Get("a"); ok {
		t.Error("oldest fingerprint should have been evicted")
	}
	if v, ok := d.Get("c"); !ok || v != "3" {
		t.Errorf("Get(c) = %q, %v", v, ok)
	}
	if d.Len() != 2 {
		t.Errorf("Len = %d", d.Len())
	}
}

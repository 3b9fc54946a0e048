package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ysmood/gson"
)

func TestWaitLoadedReportsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Never sees DOMContentLoaded; returns when the page context ends.
	err := waitLoaded(ctx, "https://slow.test/", func() { <-ctx.Done() })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestWaitLoadedSucceedsWhenLoaded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	called := false
	if err := waitLoaded(ctx, "https://fast.test/", func() { called = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("wait was not called")
	}
}

func TestPlainValue(t *testing.T) {
	if v := plainValue(gson.JSON{}); v != nil {
		t.Fatalf("empty result = %v", v)
	}
	if v := plainValue(gson.New("Inbox")); v != "Inbox" {
		t.Fatalf("string result = %v", v)
	}
}

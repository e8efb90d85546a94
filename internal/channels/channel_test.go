package channels_test

import (
	"context"
	"testing"

	"github.com/colonyrt/runtime/internal/channels"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ channels.Channel = (*channels.TelegramChannel)(nil)

func TestTelegramChannel_Name(t *testing.T) {
	// NewTelegramChannel requires a store/event stream for real use, but
	// Name() only returns a constant and touches no dependency, so a
	// minimal instance with nil deps is enough here.
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", []int64{}, nil, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with empty allowlist")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	ids := []int64{123, 456, 789}
	ch := channels.NewTelegramChannel("fake-token", ids, nil, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with populated allowlist")
	}
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_SendBeforeStartErrors(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if err := ch.Send(context.Background(), "telegram:123", []byte("hi")); err == nil {
		t.Fatal("expected Send to fail before Start has run")
	}
}

func TestTelegramChannel_SendRejectsMalformedAddress(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if err := ch.Send(context.Background(), "not-a-chat-id", []byte("hi")); err == nil {
		t.Fatal("expected Send to reject a non-numeric chat address")
	}
}

package mux

import (
	"context"
	"testing"

	"github.com/dtn7/unison/pkg/channel"
	"github.com/dtn7/unison/pkg/protocol"
)

func TestRegisterAndChannelInfos(t *testing.T) {
	m := New()
	m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {})

	infos := m.ChannelInfos()
	if len(infos) != 1 || infos[0].Name != "echo" {
		t.Fatalf("got %+v", infos)
	}
	if infos[0].Status != protocol.Available {
		t.Fatalf("Status = %v, want Available", infos[0].Status)
	}
}

func TestSetStatusUpdatesAdvertisedInfo(t *testing.T) {
	m := New()
	m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {})

	info, ok := m.SetStatus("echo", protocol.Busy)
	if !ok {
		t.Fatal("expected SetStatus to find a registered handler")
	}
	if info.Status != protocol.Busy {
		t.Fatalf("Status = %v, want Busy", info.Status)
	}

	infos := m.ChannelInfos()
	if infos[0].Status != protocol.Busy {
		t.Fatalf("ChannelInfos did not reflect the status change: %+v", infos)
	}
}

func TestSetStatusUnknownChannel(t *testing.T) {
	m := New()
	if _, ok := m.SetStatus("nope", protocol.Busy); ok {
		t.Fatal("expected SetStatus on an unregistered channel to fail")
	}
}

func TestUnregisterRemovesHandler(t *testing.T) {
	m := New()
	m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {})
	m.Unregister("echo")

	if _, ok := m.lookup("echo"); ok {
		t.Fatal("expected echo to be gone after Unregister")
	}
	if len(m.ChannelInfos()) != 0 {
		t.Fatal("expected no advertised channels after Unregister")
	}
}

func TestRegisterTwiceReplacesHandler(t *testing.T) {
	m := New()
	calls := 0
	m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) { calls = 1 })
	m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) { calls = 2 })

	h, ok := m.lookup("echo")
	if !ok {
		t.Fatal("expected echo to still be registered")
	}
	h.fn(context.Background(), nil)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (the second registration should win)", calls)
	}
}

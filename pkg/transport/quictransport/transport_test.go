package quictransport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/dht"
	"github.com/shadowmesh/kaddht/pkg/peerid"
)

func newTestTransport(t *testing.T) (*Transport, peerid.ID) {
	t.Helper()
	kp, err := peerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tr, err := New("127.0.0.1:0", kp, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, kp.ID()
}

func TestStreamRoundTrip(t *testing.T) {
	a, aID := newTestTransport(t)
	b, bID := newTestTransport(t)

	const protocolID = "/test/echo/1.0.0"
	received := make(chan string, 1)
	b.SetHandler(protocolID, func(remote peerid.ID, s dht.Stream) {
		defer s.Close()
		if remote != aID {
			t.Errorf("expected remote %s, got %s", aID, remote)
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		received <- string(buf)
		s.Write([]byte("pong!"))
	})

	a.AddAddress(bID, b.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := a.NewStream(ctx, bID, protocolID)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("ping!")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "ping!" {
			t.Fatalf("expected ping!, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not receive the request in time")
	}

	reply := make([]byte, 5)
	if _, err := io.ReadFull(stream, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "pong!" {
		t.Fatalf("expected pong!, got %q", reply)
	}
}

func TestNewStreamUnknownPeerFails(t *testing.T) {
	a, _ := newTestTransport(t)
	unknown, err := peerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.NewStream(ctx, unknown.ID(), "/test/1.0.0"); err == nil {
		t.Fatalf("expected NewStream to fail for a peer with no recorded address")
	}
}

package mux

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/drksbr/relaytun/internal/logger"
)

func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	client, err := Client(a, Config{}, logger.Discard())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	server, err := Server(b, Config{}, logger.Discard())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestOpenAcceptRoundTrip(t *testing.T) {
	client, server := newPair(t)

	go func() {
		stream, err := client.Accept()
		if err != nil {
			return
		}
		defer stream.Close()
		_, _ = io.Copy(stream, stream)
	}()

	stream, err := server.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()
	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}
}

func TestConcurrentOpensAreAllDelivered(t *testing.T) {
	client, server := newPair(t)
	const n = 16

	accepted := make(chan struct{}, n)
	go func() {
		for {
			stream, err := client.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			stream.Close()
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := server.Open(context.Background())
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			stream.Close()
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-accepted:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d streams accepted", i, n)
		}
	}
}

func TestOpenHonoursCancelledContext(t *testing.T) {
	_, server := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := server.Open(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestCloseChanFiresWhenPeerGoes(t *testing.T) {
	client, server := newPair(t)
	client.Close()
	select {
	case <-server.CloseChan():
	case <-time.After(2 * time.Second):
		t.Fatalf("server session did not observe close")
	}
	if !server.IsClosed() {
		t.Fatalf("IsClosed should report true")
	}
	if _, err := server.Open(context.Background()); err == nil {
		t.Fatalf("open on closed session should fail")
	}
}

package net

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kadcore/dht/pb"
	"github.com/kadcore/dht/peer"
)

type fakeLiveness struct {
	mu       sync.Mutex
	success  []peer.ID
	failures []peer.ID
}

func (f *fakeLiveness) MarkSuccess(p peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success = append(f.success, p)
}

func (f *fakeLiveness) MarkFailure(p peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, p)
}

func echoHandler(s Stream) {
	defer s.Close()
	req, err := pb.ReadMessage(s)
	if err != nil {
		return
	}
	resp := &pb.Message{Type: req.Type, Key: req.Key}
	_ = pb.WriteMessage(s, resp)
}

func TestSendRequestRoundTrip(t *testing.T) {
	network := NewFakeNetwork()
	server := peer.ID("server")
	network.Host(server, echoHandler)

	liveness := &fakeLiveness{}
	clientTransport := network.Host(peer.ID("client"), func(Stream) {})
	adapter := NewAdapter(clientTransport, liveness)

	req := &pb.Message{Type: pb.Ping, Key: []byte("hello")}
	resp, err := adapter.SendRequest(context.Background(), server, req)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(resp.Key) != "hello" {
		t.Fatalf("expected echoed key, got %q", resp.Key)
	}

	liveness.mu.Lock()
	defer liveness.mu.Unlock()
	if len(liveness.success) != 1 || liveness.success[0] != server {
		t.Fatalf("expected one success recorded for server, got %+v", liveness.success)
	}
}

func TestSendRequestToUnknownPeerMarksFailure(t *testing.T) {
	network := NewFakeNetwork()
	liveness := &fakeLiveness{}
	clientTransport := network.Host(peer.ID("client"), func(Stream) {})
	adapter := NewAdapter(clientTransport, liveness)

	_, err := adapter.SendRequest(context.Background(), peer.ID("ghost"), &pb.Message{Type: pb.Ping})
	if err == nil {
		t.Fatalf("expected error contacting unknown peer")
	}

	liveness.mu.Lock()
	defer liveness.mu.Unlock()
	if len(liveness.failures) != 1 {
		t.Fatalf("expected one failure recorded, got %+v", liveness.failures)
	}
}

func TestMaxInFlightPerPeerIsEnforced(t *testing.T) {
	network := NewFakeNetwork()
	server := peer.ID("server")

	release := make(chan struct{})
	network.Host(server, func(s Stream) {
		defer s.Close()
		req, err := pb.ReadMessage(s)
		if err != nil {
			return
		}
		<-release
		_ = pb.WriteMessage(s, &pb.Message{Type: req.Type})
	})

	liveness := &fakeLiveness{}
	clientTransport := network.Host(peer.ID("client"), func(Stream) {})
	adapter := NewAdapter(clientTransport, liveness, WithMaxInFlightPerPeer(2))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = adapter.SendRequest(context.Background(), server, &pb.Message{Type: pb.Ping})
		}()
	}

	// A third request should block until one of the first two completes,
	// since the per-peer in-flight cap is 2.
	thirdDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _ = adapter.SendRequest(ctx, server, &pb.Message{Type: pb.Ping})
		close(thirdDone)
	}()

	select {
	case <-thirdDone:
		t.Fatalf("third request completed before the cap was released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	<-thirdDone
}

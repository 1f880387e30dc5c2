package pb

import (
	"bytes"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Type: FindNode,
		Key:  []byte("some-target-key"),
		Record: &Record{
			Key:          []byte("some-target-key"),
			Value:        []byte("a stored value"),
			Author:       []byte("author-peer-id"),
			Signature:    []byte("sig-bytes"),
			TimeReceived: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		CloserPeers: []PeerInfo{
			{ID: []byte("peer-a"), Addrs: [][]byte{[]byte("addr-a-1"), []byte("addr-a-2")}, Connection: ConnectionConnected},
			{ID: []byte("peer-b"), Addrs: nil, Connection: ConnectionCanConnect},
		},
		ProviderPeers: []PeerInfo{
			{ID: []byte("provider-a"), Connection: ConnectionNotConnected},
		},
		ClusterLevel: 3,
	}

	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Type != m.Type {
		t.Errorf("type mismatch: got %v want %v", got.Type, m.Type)
	}
	if !bytes.Equal(got.Key, m.Key) {
		t.Errorf("key mismatch")
	}
	if got.Record == nil || !bytes.Equal(got.Record.Value, m.Record.Value) {
		t.Errorf("record value mismatch")
	}
	if !got.Record.TimeReceived.Equal(m.Record.TimeReceived) {
		t.Errorf("record time mismatch: got %v want %v", got.Record.TimeReceived, m.Record.TimeReceived)
	}
	if len(got.CloserPeers) != 2 || !bytes.Equal(got.CloserPeers[0].Addrs[1], []byte("addr-a-2")) {
		t.Errorf("closer peers round-trip mismatch: %+v", got.CloserPeers)
	}
	if len(got.ProviderPeers) != 1 || string(got.ProviderPeers[0].ID) != "provider-a" {
		t.Errorf("provider peers round-trip mismatch: %+v", got.ProviderPeers)
	}
	if got.ClusterLevel != 3 {
		t.Errorf("cluster level mismatch: got %d", got.ClusterLevel)
	}
}

func TestClusterLevelIsClamped(t *testing.T) {
	m := &Message{Type: Ping, ClusterLevel: 999}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ClusterLevel != MaxClusterLevel {
		t.Errorf("expected cluster level clamped to %d, got %d", MaxClusterLevel, got.ClusterLevel)
	}
}

func TestMessageWithoutRecordRoundTrips(t *testing.T) {
	m := &Message{Type: Ping, Key: []byte("k")}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Record != nil {
		t.Errorf("expected nil record, got %+v", got.Record)
	}
}

func TestFramingRoundTrip(t *testing.T) {
	m := &Message{Type: GetProviders, Key: []byte("cid-bytes")}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != GetProviders || !bytes.Equal(got.Key, m.Key) {
		t.Errorf("framed round trip mismatch: %+v", got)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(varintBytes(MaxMessageSize + 1))

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func varintBytes(n uint64) []byte {
	var buf bytes.Buffer
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			break
		}
	}
	return buf.Bytes()
}

// Package pb implements the wire message protocol: spec §4.E. Messages
// are hand-marshaled, in the explicit field-by-field style of teacher's
// krpc-msgs.go, but onto a varint-tagged binary layout instead of
// bencode, using github.com/multiformats/go-varint for every integer
// field and every length prefix.
package pb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/multiformats/go-varint"
)

// MessageType identifies which RPC a Message carries, spec §4.E.
type MessageType uint64

const (
	Ping MessageType = iota
	FindNode
	GetValue
	PutValue
	AddProvider
	GetProviders
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "PING"
	case FindNode:
		return "FIND_NODE"
	case GetValue:
		return "GET_VALUE"
	case PutValue:
		return "PUT_VALUE"
	case AddProvider:
		return "ADD_PROVIDER"
	case GetProviders:
		return "GET_PROVIDERS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint64(t))
	}
}

// MaxClusterLevel bounds Message.ClusterLevel, spec §4.E.
const MaxClusterLevel = 10

// ConnectionState mirrors the sender's believed reachability of a peer it
// is reporting, carried alongside PeerInfo entries.
type ConnectionState uint64

const (
	ConnectionNotConnected ConnectionState = iota
	ConnectionConnected
	ConnectionCanConnect
	ConnectionCannotConnect
)

// PeerInfo is the wire shape of a peer reference, spec §4.E: id, known
// addresses, and the sender's belief about its reachability.
type PeerInfo struct {
	ID         []byte
	Addrs      [][]byte
	Connection ConnectionState
}

// Record is the wire shape of a stored value, spec §4.E: key, value, and
// the signing metadata needed to re-validate it on receipt.
type Record struct {
	Key          []byte
	Value        []byte
	Author       []byte
	Signature    []byte
	TimeReceived time.Time
}

// Message is the single envelope type carrying every RPC defined by spec
// §4.E: one request message, one response message, then the stream
// closes.
type Message struct {
	Type          MessageType
	Key           []byte
	Record        *Record
	CloserPeers   []PeerInfo
	ProviderPeers []PeerInfo
	ClusterLevel  int
}

func clampClusterLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > MaxClusterLevel {
		return MaxClusterLevel
	}
	return level
}

// MarshalBinary encodes m into the wire layout: a varint message type, a
// length-prefixed key, a presence byte plus optional record, a varint
// count plus each entry for closer peers, the same for provider peers,
// and a varint cluster level clamped to [0, MaxClusterLevel].
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	writeUvarint(&buf, uint64(m.Type))
	writeBytes(&buf, m.Key)

	if m.Record != nil {
		buf.WriteByte(1)
		if err := writeRecord(&buf, m.Record); err != nil {
			return nil, err
		}
	} else {
		buf.WriteByte(0)
	}

	if err := writePeerInfos(&buf, m.CloserPeers); err != nil {
		return nil, err
	}
	if err := writePeerInfos(&buf, m.ProviderPeers); err != nil {
		return nil, err
	}

	writeUvarint(&buf, uint64(clampClusterLevel(m.ClusterLevel)))

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a Message previously produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	typ, err := varint.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("pb: reading message type: %w", err)
	}

	key, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("pb: reading key: %w", err)
	}

	hasRecord, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("pb: reading record presence byte: %w", err)
	}

	var rec *Record
	if hasRecord == 1 {
		rec, err = readRecord(r)
		if err != nil {
			return fmt.Errorf("pb: reading record: %w", err)
		}
	}

	closer, err := readPeerInfos(r)
	if err != nil {
		return fmt.Errorf("pb: reading closer peers: %w", err)
	}

	providers, err := readPeerInfos(r)
	if err != nil {
		return fmt.Errorf("pb: reading provider peers: %w", err)
	}

	level, err := varint.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("pb: reading cluster level: %w", err)
	}

	m.Type = MessageType(typ)
	m.Key = key
	m.Record = rec
	m.CloserPeers = closer
	m.ProviderPeers = providers
	m.ClusterLevel = clampClusterLevel(int(level))
	return nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	buf.Write(varint.ToUvarint(v))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeRecord(buf *bytes.Buffer, rec *Record) error {
	writeBytes(buf, rec.Key)
	writeBytes(buf, rec.Value)
	writeBytes(buf, rec.Author)
	writeBytes(buf, rec.Signature)
	writeBytes(buf, []byte(rec.TimeReceived.UTC().Format(time.RFC3339Nano)))
	return nil
}

func readRecord(r *bytes.Reader) (*Record, error) {
	key, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	value, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	author, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	tsRaw, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, string(tsRaw))
	if err != nil {
		return nil, fmt.Errorf("pb: parsing record timestamp: %w", err)
	}
	return &Record{Key: key, Value: value, Author: author, Signature: sig, TimeReceived: ts}, nil
}

func writePeerInfos(buf *bytes.Buffer, peers []PeerInfo) error {
	writeUvarint(buf, uint64(len(peers)))
	for _, p := range peers {
		writeBytes(buf, p.ID)
		writeUvarint(buf, uint64(len(p.Addrs)))
		for _, a := range p.Addrs {
			writeBytes(buf, a)
		}
		writeUvarint(buf, uint64(p.Connection))
	}
	return nil
}

func readPeerInfos(r *bytes.Reader) ([]PeerInfo, error) {
	count, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]PeerInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		addrCount, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		addrs := make([][]byte, 0, addrCount)
		for j := uint64(0); j < addrCount; j++ {
			a, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, a)
		}
		conn, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		out = append(out, PeerInfo{ID: id, Addrs: addrs, Connection: ConnectionState(conn)})
	}
	return out, nil
}

package pb

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxMessageSize bounds a single framed message, guarding against a
// malicious or corrupt peer claiming an unbounded length prefix.
const MaxMessageSize = 4 << 20

// WriteMessage frames msg with a varint length prefix and writes it to w,
// the same uvarint-length-prefix idiom go-libp2p's go-msgio uses (not
// itself present in the retrieved pack, so this is hand-rolled directly
// on go-varint rather than assumed).
func WriteMessage(w io.Writer, msg *Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(body)))); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadMessage reads one varint-length-prefixed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}

	n, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("pb: reading frame length: %w", err)
	}
	if n > MaxMessageSize {
		return nil, fmt.Errorf("pb: frame length %d exceeds maximum %d", n, MaxMessageSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("pb: reading frame body: %w", err)
	}

	msg := &Message{}
	if err := msg.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return msg, nil
}

// byteReader adapts an io.Reader with no ReadByte method to io.ByteReader,
// one byte at a time, for callers handing in a bare net.Conn-shaped
// stream.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

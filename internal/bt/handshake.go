package bt

import (
	"bytes"
	"fmt"
	"io"
)

// The BitTorrent handshake is a fixed 68-byte exchange: one length byte, the
// 19-byte protocol identifier, 8 reserved bytes, the info-hash and the peer
// id.
const (
	protocolIdentifier = "BitTorrent protocol"
	handshakeLen       = 49 + len(protocolIdentifier)
)

type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolIdentifier))
	n := 1
	n += copy(buf[n:], protocolIdentifier)
	n += copy(buf[n:], make([]byte, 8))
	n += copy(buf[n:], h.InfoHash[:])
	copy(buf[n:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a peer's handshake off the wire and rejects anything
// that is not the BitTorrent protocol or that answers for a different
// info-hash.
func ReadHandshake(r io.Reader, wantInfoHash [20]byte) (*Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	pstrLen := int(buf[0])
	if pstrLen != len(protocolIdentifier) {
		return nil, fmt.Errorf("handshake pstr length %d, want %d", pstrLen, len(protocolIdentifier))
	}
	if string(buf[1:1+pstrLen]) != protocolIdentifier {
		return nil, fmt.Errorf("handshake protocol %q, want %q", buf[1:1+pstrLen], protocolIdentifier)
	}
	var h Handshake
	copy(h.InfoHash[:], buf[1+pstrLen+8:])
	copy(h.PeerID[:], buf[1+pstrLen+8+20:])
	if !bytes.Equal(h.InfoHash[:], wantInfoHash[:]) {
		return nil, fmt.Errorf("handshake info-hash mismatch")
	}
	return &h, nil
}

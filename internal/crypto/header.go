package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Sealed payload layout, before AEAD:
//
//	[u32 big-endian header length][CBOR payloadHeader][body]
//
// The header travels only inside the ciphertext, so filename and MIME type
// are never visible to the blob store.
const (
	headerLenSize = 4
	maxHeaderSize = 64 * 1024
	headerVersion = 1
)

// encMode uses Core Deterministic Encoding: the same header always produces
// identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crypto: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("crypto: CBOR decoder initialization failed: " + err.Error())
	}
}

var errMalformedPayload = errors.New("malformed payload")

// payloadHeader describes the body that follows it.
type payloadHeader struct {
	Version     int      `cbor:"1,keyasint"`
	Filename    string   `cbor:"2,keyasint"`
	MIMEType    string   `cbor:"3,keyasint"`
	Size        uint64   `cbor:"4,keyasint"`
	Compression string   `cbor:"5,keyasint,omitempty"`
	Digest      [32]byte `cbor:"6,keyasint"`
}

// contentDigest is the BLAKE3 digest of the plaintext.
func contentDigest(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// framePayload builds the sealed layout.
func framePayload(h payloadHeader, body []byte) ([]byte, error) {
	encoded, err := encMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload header: %w", err)
	}
	if len(encoded) > maxHeaderSize {
		return nil, fmt.Errorf("payload header too large: %d bytes", len(encoded))
	}

	out := make([]byte, headerLenSize+len(encoded)+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(encoded)))
	copy(out[headerLenSize:], encoded)
	copy(out[headerLenSize+len(encoded):], body)
	return out, nil
}

// splitPayload parses the sealed layout. The returned body aliases payload.
func splitPayload(payload []byte) (payloadHeader, []byte, error) {
	if len(payload) < headerLenSize {
		return payloadHeader{}, nil, fmt.Errorf("%w: %d bytes is shorter than the length prefix", errMalformedPayload, len(payload))
	}
	n := binary.BigEndian.Uint32(payload)
	if n == 0 || n > maxHeaderSize || int(n) > len(payload)-headerLenSize {
		return payloadHeader{}, nil, fmt.Errorf("%w: header length %d out of range", errMalformedPayload, n)
	}

	var h payloadHeader
	if err := decMode.Unmarshal(payload[headerLenSize:headerLenSize+int(n)], &h); err != nil {
		return payloadHeader{}, nil, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}
	if h.Version != headerVersion {
		return payloadHeader{}, nil, fmt.Errorf("%w: unknown header version %d", errMalformedPayload, h.Version)
	}
	return h, payload[headerLenSize+int(n):], nil
}

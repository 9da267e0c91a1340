package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kenneth/zk-share/internal/zkerr"
)

// MetadataHeader is the HTTP header carrying WireMetadata as JSON.
const MetadataHeader = "X-Encryption-Metadata"

// WireMetadata is the public encryption metadata exactly as it is sent to the
// blob store. It holds no key material.
type WireMetadata struct {
	Algorithm       string `json:"algorithm"`
	IV              string `json:"iv"`
	Salt            string `json:"salt"`
	Iterations      uint32 `json:"iterations"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
	OriginalSize    uint64 `json:"originalSize,omitempty"`
}

// Validate checks that the binary fields decode and the required fields are set.
func (m WireMetadata) Validate() error {
	if strings.TrimSpace(m.Algorithm) == "" {
		return fmt.Errorf("metadata: algorithm is required")
	}
	if _, err := DecodeBase64(m.IV); err != nil {
		return fmt.Errorf("metadata: iv: %w", err)
	}
	if _, err := DecodeBinaryField(m.Salt); err != nil {
		return fmt.Errorf("metadata: salt: %w", err)
	}
	return nil
}

// Marshal encodes the metadata as compact JSON.
func (m WireMetadata) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalWireMetadata decodes and validates JSON metadata.
func UnmarshalWireMetadata(data []byte) (WireMetadata, error) {
	var m WireMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return WireMetadata{}, fmt.Errorf("%w: metadata json: %v", zkerr.ErrMalformedEncoding, err)
	}
	if err := m.Validate(); err != nil {
		return WireMetadata{}, err
	}
	return m, nil
}

// EncodeBinaryField frames an optional binary field. Zero bytes encode to "".
func EncodeBinaryField(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return EncodeBase64(data)
}

// DecodeBinaryField is the inverse of EncodeBinaryField: "" is a valid empty
// payload and yields zero bytes; anything else must be strict base64.
func DecodeBinaryField(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	return DecodeBase64(s)
}

// FormatUint32 renders an iteration count for headers and S3 user metadata.
func FormatUint32(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

// ParseUint32 parses a decimal iteration count.
func ParseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a uint32", zkerr.ErrMalformedEncoding, s)
	}
	return uint32(v), nil
}

// ToStringMap flattens the metadata into string values, the form used for
// S3 user metadata.
func (m WireMetadata) ToStringMap() map[string]string {
	out := map[string]string{
		"algorithm":        m.Algorithm,
		"iv":               m.IV,
		"salt":             m.Salt,
		"iterations":       FormatUint32(m.Iterations),
		"upload-timestamp": strconv.FormatInt(m.UploadTimestamp, 10),
	}
	if m.OriginalSize > 0 {
		out["original-size"] = strconv.FormatUint(m.OriginalSize, 10)
	}
	return out
}

// WireMetadataFromStringMap is the inverse of ToStringMap. Keys are matched
// case-insensitively because S3 backends normalize user metadata names.
func WireMetadataFromStringMap(values map[string]string) (WireMetadata, error) {
	lower := make(map[string]string, len(values))
	for k, v := range values {
		lower[strings.ToLower(k)] = v
	}

	m := WireMetadata{
		Algorithm: lower["algorithm"],
		IV:        lower["iv"],
		Salt:      lower["salt"],
	}
	if v := lower["iterations"]; v != "" {
		it, err := ParseUint32(v)
		if err != nil {
			return WireMetadata{}, fmt.Errorf("metadata: iterations: %w", err)
		}
		m.Iterations = it
	}
	if v := lower["upload-timestamp"]; v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return WireMetadata{}, fmt.Errorf("%w: upload-timestamp %q", zkerr.ErrMalformedEncoding, v)
		}
		m.UploadTimestamp = ts
	}
	if v := lower["original-size"]; v != "" {
		size, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return WireMetadata{}, fmt.Errorf("%w: original-size %q", zkerr.ErrMalformedEncoding, v)
		}
		m.OriginalSize = size
	}
	if err := m.Validate(); err != nil {
		return WireMetadata{}, err
	}
	return m, nil
}

// Package signed encodes small records into URL-safe, tamper-evident tokens.
//
// A token has three dot-separated parts: the base64url payload (prefixed with
// "~" when zlib-compressed), the issue time in base36 unix seconds, and an
// HMAC-SHA256 over the first two parts. The MAC key is derived from the server
// secret and a purpose salt, so tokens minted for one purpose never verify for
// another.
package signed

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/hkdf"
)

const (
	separator      = "."
	compressedFlag = "~"
	// MaxPayloadBytes bounds the decoded payload, compressed or not.
	MaxPayloadBytes = 64 << 10
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrBadSignature = errors.New("bad token signature")
	ErrExpired      = errors.New("expired token")
)

// IsRejected reports whether err is any of the token rejection errors.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrBadSignature) || errors.Is(err, ErrExpired)
}

type Option func(*Codec)

// WithMaxAge makes Decode reject tokens issued longer than d ago. Zero means
// tokens never expire.
func WithMaxAge(d time.Duration) Option {
	return func(c *Codec) { c.maxAge = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// Codec is safe for concurrent use; it holds no mutable state.
type Codec struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

func New(secret []byte, salt string, opts ...Option) *Codec {
	c := &Codec{
		key: deriveKey(secret, salt),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func deriveKey(secret []byte, salt string) []byte {
	key := make([]byte, sha256.Size)
	reader := hkdf.New(sha256.New, secret, []byte(salt), []byte("threadline signed token"))
	if _, err := io.ReadFull(reader, key); err != nil {
		// hkdf only fails after 255*32 bytes of output.
		panic(fmt.Sprintf("derive signing key: %v", err))
	}
	return key
}

func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

func (c *Codec) Encode(payload any, compress bool) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if len(raw) > MaxPayloadBytes {
		return "", fmt.Errorf("payload of %d bytes exceeds %d", len(raw), MaxPayloadBytes)
	}

	data := base64.RawURLEncoding.EncodeToString(raw)
	if compress {
		packed, err := deflate(raw)
		if err != nil {
			return "", err
		}
		if len(packed) < len(raw) {
			data = compressedFlag + base64.RawURLEncoding.EncodeToString(packed)
		}
	}

	value := data + separator + strconv.FormatInt(c.now().Unix(), 36)
	return value + separator + c.sign(value), nil
}

// Decode verifies token and unmarshals its payload into dst. The MAC is
// checked before any part of the payload is parsed.
func (c *Codec) Decode(token string, dst any) error {
	parts := strings.Split(token, separator)
	value := token
	signature := ""
	if len(parts) == 3 {
		value = parts[0] + separator + parts[1]
		signature = parts[2]
	}
	// computed for malformed input too so both rejections cost the same
	expected := c.sign(value)
	if len(parts) != 3 || parts[0] == "" || signature == "" {
		return ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}

	issued, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return ErrInvalidToken
	}
	if c.maxAge > 0 && c.now().Sub(time.Unix(issued, 0)) > c.maxAge {
		return ErrExpired
	}

	raw, err := decodeData(parts[0])
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ErrInvalidToken
	}
	return nil
}

func (c *Codec) sign(value string) string {
	mac := hmac.New(sha256.New, c.key)
	_, _ = mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func decodeData(data string) ([]byte, error) {
	compressed := strings.HasPrefix(data, compressedFlag)
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(data, compressedFlag))
	if err != nil {
		return nil, err
	}
	if !compressed {
		return decoded, nil
	}
	return inflate(decoded)
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("zlib writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(packed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	raw, err := io.ReadAll(io.LimitReader(r, MaxPayloadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxPayloadBytes {
		return nil, errors.New("payload too large")
	}
	return raw, nil
}

// Package cryptox implements the vault encryption layer: data keys,
// password-based key wrapping, AES-GCM data envelopes, content hashes and
// the account verifier used at login.
//
// All envelopes are versioned, delimiter-separated strings:
//
//	data key    v1.<hex(key)>
//	key wrap    v1:<hex(json{algo,salt,iterations,hash})>:<data envelope of the key>
//	data        v1.<hex(json{algo,iv})>.<hex(ciphertext)>
//	hash        v1.<hex(json{algo})>.<hex(digest)>
//
// Structurally malformed input fails with common.ErrInvalidOrCorruptedData.
// Authentication failures (wrong key or password) fail with
// common.ErrInvalidPasswordOrKey.
package cryptox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/vaultsync/internal/common"
)

const (
	envelopeVersion = "v1"

	dataKeySize = 32
	saltSize    = 16
	ivSize      = 12

	// DefaultIterations is the PBKDF2 work factor written into every key wrap.
	DefaultIterations = 100000
)

// EncryptionService is stateless apart from its random source; one instance
// is shared by every vault.
type EncryptionService struct {
	rand       io.Reader
	iterations int
}

type Option func(*EncryptionService)

// WithRandom replaces crypto/rand as the source of keys, salts and IVs.
func WithRandom(r io.Reader) Option {
	return func(s *EncryptionService) { s.rand = r }
}

// WithIterations sets the PBKDF2 work factor. Wraps made with a different
// factor are rejected on unwrap. Values below one keep the default.
func WithIterations(n int) Option {
	return func(s *EncryptionService) {
		if n > 0 {
			s.iterations = n
		}
	}
}

func NewEncryptionService(opts ...Option) *EncryptionService {
	s := &EncryptionService{rand: rand.Reader, iterations: DefaultIterations}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GenerateDataKey returns a fresh random 256-bit data key.
func (s *EncryptionService) GenerateDataKey() (string, error) {
	raw, err := s.randomBytes(dataKeySize)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(raw)
	return envelopeVersion + "." + hex.EncodeToString(raw), nil
}

func (s *EncryptionService) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return nil, fmt.Errorf("%w: random source: %v", common.ErrSystem, err)
	}
	return b, nil
}

// parseDataKey decodes a data key string into raw AES key bytes.
func parseDataKey(dataKey string) ([]byte, error) {
	version, encoded, ok := strings.Cut(dataKey, ".")
	if !ok || version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported data key format", common.ErrInvalidOrCorruptedData)
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != dataKeySize {
		return nil, fmt.Errorf("%w: malformed data key", common.ErrInvalidOrCorruptedData)
	}
	return raw, nil
}

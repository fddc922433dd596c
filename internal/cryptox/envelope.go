package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/vaultsync/internal/common"
)

const (
	algoAESGCM = "AES-GCM"
	algoSHA256 = "SHA-256"
)

type dataMeta struct {
	Algo string `json:"algo"`
	IV   string `json:"iv"`
}

type hashMeta struct {
	Algo string `json:"algo"`
}

// marshal encodes v the way a browser JSON.stringify would for plain data:
// no HTML escaping and no trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encrypt JSON-encodes v and seals it under dataKey with a fresh IV.
func (s *EncryptionService) Encrypt(dataKey string, v any) (string, error) {
	key, err := parseDataKey(dataKey)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(key)

	plaintext, err := marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", common.ErrInvalidOrCorruptedData, err)
	}
	return s.seal(key, plaintext)
}

// Decrypt opens envelope with dataKey and decodes the JSON payload into out.
// When schema is not nil the payload must satisfy it.
func (s *EncryptionService) Decrypt(dataKey, envelope string, out any, schema *Schema) error {
	plaintext, err := s.DecryptRaw(dataKey, envelope, schema)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", common.ErrInvalidOrCorruptedData, err)
	}
	return nil
}

// DecryptRaw returns the JSON payload of envelope without decoding it.
func (s *EncryptionService) DecryptRaw(dataKey, envelope string, schema *Schema) ([]byte, error) {
	key, err := parseDataKey(dataKey)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	plaintext, err := s.open(key, envelope)
	if err != nil {
		return nil, err
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: payload is not JSON", common.ErrInvalidPasswordOrKey)
	}
	if schema != nil {
		if err := schema.Validate(plaintext); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

func (s *EncryptionService) seal(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv, err := s.randomBytes(ivSize)
	if err != nil {
		return "", err
	}
	meta, err := marshal(dataMeta{Algo: algoAESGCM, IV: hex.EncodeToString(iv)})
	if err != nil {
		return "", fmt.Errorf("%w: encode metadata: %v", common.ErrSystem, err)
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	return strings.Join([]string{envelopeVersion, hex.EncodeToString(meta), hex.EncodeToString(ciphertext)}, "."), nil
}

func (s *EncryptionService) open(key []byte, envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported data envelope", common.ErrInvalidOrCorruptedData)
	}

	rawMeta, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not hex", common.ErrInvalidOrCorruptedData)
	}
	var meta dataMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta.Algo != algoAESGCM {
		return nil, fmt.Errorf("%w: bad data envelope metadata", common.ErrInvalidOrCorruptedData)
	}
	iv, err := hex.DecodeString(meta.IV)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: bad iv", common.ErrInvalidOrCorruptedData)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not hex", common.ErrInvalidOrCorruptedData)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", common.ErrInvalidPasswordOrKey)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidOrCorruptedData, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSystem, err)
	}
	return gcm, nil
}

// Hash returns a SHA-256 hash envelope of data. It is used for content
// addressing, never for confidentiality.
func (s *EncryptionService) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	meta, _ := marshal(hashMeta{Algo: algoSHA256})
	return strings.Join([]string{envelopeVersion, hex.EncodeToString(meta), hex.EncodeToString(sum[:])}, ".")
}

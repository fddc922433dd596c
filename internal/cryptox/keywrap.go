package cryptox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const algoPBKDF2 = "PBKDF2"

// keyWrapMeta field order is part of the wire format.
type keyWrapMeta struct {
	Algo       string `json:"algo"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Hash       string `json:"hash"`
}

// DeriveAndWrapNewKey creates a data key for a new vault and returns it
// together with its password-protected form.
func (s *EncryptionService) DeriveAndWrapNewKey(password string) (dataKey, protectedDataKey string, err error) {
	dataKey, err = s.GenerateDataKey()
	if err != nil {
		return "", "", err
	}
	protectedDataKey, err = s.WrapKey(dataKey, password)
	if err != nil {
		return "", "", err
	}
	return dataKey, protectedDataKey, nil
}

// WrapKey protects dataKey with a key derived from password and a fresh salt.
// The wrapped payload is a data envelope, which carries its own IV.
func (s *EncryptionService) WrapKey(dataKey, password string) (string, error) {
	if _, err := parseDataKey(dataKey); err != nil {
		return "", err
	}
	salt, err := s.randomBytes(saltSize)
	if err != nil {
		return "", err
	}
	meta := keyWrapMeta{Algo: algoPBKDF2, Salt: hex.EncodeToString(salt), Iterations: s.iterations, Hash: algoSHA256}

	wrappingKey := s.deriveWrappingKey(password, salt, meta.Iterations)
	defer common.WipeByteArray(wrappingKey)

	payload, err := marshal(dataKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrSystem, err)
	}
	wrapped, err := s.seal(wrappingKey, payload)
	if err != nil {
		return "", err
	}
	rawMeta, err := marshal(meta)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrSystem, err)
	}
	return envelopeVersion + ":" + hex.EncodeToString(rawMeta) + ":" + wrapped, nil
}

// UnwrapKey recovers the data key from protectedDataKey.
func (s *EncryptionService) UnwrapKey(protectedDataKey, password string) (string, error) {
	parts := strings.SplitN(protectedDataKey, ":", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return "", fmt.Errorf("%w: unsupported key envelope", common.ErrInvalidOrCorruptedData)
	}
	meta, salt, err := s.parseKeyWrapMeta(parts[1])
	if err != nil {
		return "", err
	}

	wrappingKey := s.deriveWrappingKey(password, salt, meta.Iterations)
	defer common.WipeByteArray(wrappingKey)

	payload, err := s.open(wrappingKey, parts[2])
	if err != nil {
		return "", err
	}
	var dataKey string
	if err := json.Unmarshal(payload, &dataKey); err != nil {
		return "", fmt.Errorf("%w: wrapped key is not a string", common.ErrInvalidOrCorruptedData)
	}
	if _, err := parseDataKey(dataKey); err != nil {
		return "", err
	}
	return dataKey, nil
}

// RewrapKey re-protects the same data key under newPassword. Existing
// ciphertext stays readable because the data key itself does not change.
func (s *EncryptionService) RewrapKey(protectedDataKey, oldPassword, newPassword string) (string, error) {
	dataKey, err := s.UnwrapKey(protectedDataKey, oldPassword)
	if err != nil {
		return "", err
	}
	return s.WrapKey(dataKey, newPassword)
}

func (s *EncryptionService) parseKeyWrapMeta(encoded string) (keyWrapMeta, []byte, error) {
	var meta keyWrapMeta
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return meta, nil, fmt.Errorf("%w: key metadata is not hex", common.ErrInvalidOrCorruptedData)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, nil, fmt.Errorf("%w: key metadata is not JSON", common.ErrInvalidOrCorruptedData)
	}
	if meta.Algo != algoPBKDF2 || meta.Hash != algoSHA256 || meta.Iterations != s.iterations {
		return meta, nil, fmt.Errorf("%w: unsupported key derivation %s/%s/%d", common.ErrInvalidOrCorruptedData, meta.Algo, meta.Hash, meta.Iterations)
	}
	salt, err := hex.DecodeString(meta.Salt)
	if err != nil || len(salt) != saltSize {
		return meta, nil, fmt.Errorf("%w: bad salt", common.ErrInvalidOrCorruptedData)
	}
	return meta, salt, nil
}

func (s *EncryptionService) deriveWrappingKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, dataKeySize, sha256.New)
}

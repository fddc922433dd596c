// Package api holds the JSON documents exchanged between the sync client and
// the server over REST, shared by both sides.
package api

import "time"

// Vault is the server copy of a vault record. The data key only ever
// travels wrapped.
type Vault struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId,omitempty"`
	Name             string     `json:"name"`
	ProtectedDataKey string     `json:"protectedEncryptionKey"`
	SyncEnabled      bool       `json:"syncEnabled"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	DeletedAt        *time.Time `json:"deletedAt"`
}

// VaultUpdate carries the mutable fields of a vault.
type VaultUpdate struct {
	Name             string    `json:"name"`
	ProtectedDataKey string    `json:"protectedEncryptionKey"`
	SyncEnabled      bool      `json:"syncEnabled"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Version is one encrypted entity version. Type is the entity table and
// ObjectID the entity id.
type Version struct {
	ID                string     `json:"id"`
	VaultID           string     `json:"vaultId"`
	Type              string     `json:"type"`
	ObjectID          string     `json:"objectId"`
	PreviousVersionID string     `json:"previousVersionId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	CreatedBy         string     `json:"createdBy"`
	DeletedAt         *time.Time `json:"deletedAt"`
	ProtectedData     string     `json:"protectedData,omitempty"`
}

// Item is the server view of an entity: the newest version it has seen.
type Item struct {
	ID            string     `json:"id"`
	VaultID       string     `json:"vaultId"`
	Type          string     `json:"type"`
	HeadVersionID string     `json:"headVersionId"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedAt     *time.Time `json:"deletedAt"`
}

// Snapshot lists every item and version id of a vault with its tombstone.
type Snapshot struct {
	Vault SnapshotVault  `json:"vault"`
	Items []ItemSnapshot `json:"items"`
}

type SnapshotVault struct {
	UpdatedAt time.Time `json:"updatedAt"`
}

type ItemSnapshot struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	DeletedAt *time.Time        `json:"deletedAt"`
	Versions  []VersionSnapshot `json:"versions"`
}

type VersionSnapshot struct {
	ID        string     `json:"id"`
	DeletedAt *time.Time `json:"deletedAt"`
}

// VaultEvent is pushed to websocket subscribers of a vault.
type VaultEvent struct {
	Type    string `json:"type"`
	VaultID string `json:"vaultId"`
	ID      string `json:"id,omitempty"`
}

const (
	EventVersionCreate = "version-create"
	EventVersionDelete = "version-delete"
	EventVaultUpdate   = "vault-update"
)

type RegisterRequest struct {
	Username string `json:"username"`
	Salt     []byte `json:"salt"`
	Verifier []byte `json:"verifier"`
}

type SaltResponse struct {
	Salt []byte `json:"salt"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Verifier []byte `json:"verifier"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Identifier string `json:"identifier"`
	Message    string `json:"message"`
}

// Error identifiers.
const (
	ErrIDNotFound     = "not-found"
	ErrIDUnauthorized = "unauthorized"
	ErrIDForbidden    = "forbidden"
	ErrIDConflict     = "conflict"
	ErrIDBadRequest   = "bad-request"
	ErrIDTokenExpired = "token-expired"
	ErrIDInternal     = "internal"
)

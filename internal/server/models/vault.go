package models

import "time"

// Vault is the server copy of a vault record.
type Vault struct {
	ID               string
	OwnerID          string
	Name             string
	ProtectedDataKey string
	SyncEnabled      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Item is one entity of a vault. HeadVersionID points at the newest version
// the server has received.
type Item struct {
	ID            string
	VaultID       string
	Type          string
	HeadVersionID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Version is one encrypted version of an item. ProtectedData holds the
// envelope, or a blob reference when the ciphertext lives in object storage.
type Version struct {
	ID                string
	VaultID           string
	ItemID            string
	Type              string
	PreviousVersionID string
	CreatedAt         time.Time
	CreatedBy         string
	DeletedAt         *time.Time
	ProtectedData     string
}

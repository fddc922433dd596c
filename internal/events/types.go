// Package events is the in-process event bus shared by the store, the sync
// engine and UI collaborators, plus the relays that mirror events to sibling
// instances of the client running on the same device.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	TypeDataChange  Type = "data-change"
	TypeVaultOpen   Type = "vault-open"
	TypeVaultClose  Type = "vault-close"
	TypeVaultUnlock Type = "vault-unlock"
	TypeVaultLock   Type = "vault-lock"
	TypeVaultChange Type = "vault-change"
	TypeSyncStatus  Type = "sync-status"
)

// relayable reports whether siblings should see events of this type.
// Opening and closing a vault is a per-instance concern.
func (t Type) relayable() bool {
	return t != TypeVaultOpen && t != TypeVaultClose
}

// DeviceContext identifies one running client instance.
type DeviceContext struct {
	ID string `json:"id"`
}

// NewDeviceContext mints a fresh instance id.
func NewDeviceContext() DeviceContext {
	return DeviceContext{ID: uuid.NewString()}
}

// Event is what listeners receive. External is set on copies delivered by a
// relay; such events are never relayed again.
type Event struct {
	Type     Type
	Origin   DeviceContext
	External bool
	Payload  Payload
}

// Payload is implemented by the payload types below.
type Payload interface {
	payload()
}

// DataAction says what happened to an entity or version.
type DataAction string

const (
	ActionCreate        DataAction = "create"
	ActionUpdate        DataAction = "update"
	ActionDelete        DataAction = "delete"
	ActionDeleteVersion DataAction = "delete-version"

	// Actions applied on behalf of sync. They never trigger uploads.
	ActionCreateVersion DataAction = "create-version"
	ActionRemoteDelete  DataAction = "remote-delete"
	ActionPurge         DataAction = "purge"
)

// DataChange reports a mutation in one vault table.
type DataChange struct {
	VaultID   string     `json:"vaultId"`
	Table     string     `json:"table"`
	ID        string     `json:"id"`
	VersionID string     `json:"versionId,omitempty"`
	Action    DataAction `json:"action"`
}

// VaultAction says what happened to a vault record.
type VaultAction string

const (
	VaultCreated         VaultAction = "create"
	VaultUpdated         VaultAction = "update"
	VaultDeleted         VaultAction = "delete"
	VaultPasswordChanged VaultAction = "change-password"
)

// VaultChange reports a change to the vault registry.
type VaultChange struct {
	VaultID string      `json:"vaultId"`
	Action  VaultAction `json:"action"`
}

// VaultRef is the payload of open, close, lock and unlock events.
type VaultRef struct {
	VaultID string `json:"vaultId"`
}

// SyncStatus reports sync engine state transitions.
type SyncStatus struct {
	VaultID string `json:"vaultId"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func (DataChange) payload()  {}
func (VaultChange) payload() {}
func (VaultRef) payload()    {}
func (SyncStatus) payload()  {}

type wireEvent struct {
	Type    Type            `json:"type"`
	Origin  DeviceContext   `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes evt for a relay. External is deliberately not encoded.
func Marshal(evt Event) ([]byte, error) {
	p, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: evt.Type, Origin: evt.Origin, Payload: p})
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, err
	}

	var p Payload
	switch w.Type {
	case TypeDataChange:
		var v DataChange
		if err := json.Unmarshal(w.Payload, &v); err != nil {
			return Event{}, err
		}
		p = v
	case TypeVaultChange:
		var v VaultChange
		if err := json.Unmarshal(w.Payload, &v); err != nil {
			return Event{}, err
		}
		p = v
	case TypeVaultOpen, TypeVaultClose, TypeVaultLock, TypeVaultUnlock:
		var v VaultRef
		if err := json.Unmarshal(w.Payload, &v); err != nil {
			return Event{}, err
		}
		p = v
	case TypeSyncStatus:
		var v SyncStatus
		if err := json.Unmarshal(w.Payload, &v); err != nil {
			return Event{}, err
		}
		p = v
	default:
		return Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}
	return Event{Type: w.Type, Origin: w.Origin, Payload: p}, nil
}

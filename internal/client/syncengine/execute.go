package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/client/store"
	"github.com/dmitrijs2005/vaultsync/internal/common"
)

func (e *Engine) runAction(ctx context.Context, a Action) error {
	key, ok := e.keys.DataKey(a.VaultID)
	if !ok {
		return fmt.Errorf("no data key for vault %s: %w", a.VaultID, common.ErrSystem)
	}
	st, err := e.vaults.OpenStore(ctx, a.VaultID)
	if err != nil {
		return err
	}
	e.logger.Debug(ctx, "running sync action", "action", a.String())

	switch a.Space {
	case SpaceVersion:
		return e.runVersionAction(ctx, st, key, a)
	case SpaceEntity:
		return e.runEntityAction(ctx, st, key, a)
	default:
		return fmt.Errorf("unknown id space %q: %w", a.Space, common.ErrSystem)
	}
}

func (e *Engine) runVersionAction(ctx context.Context, st *store.Store, key string, a Action) error {
	switch a.Type {
	case ActionUpload:
		raw, err := st.ExportVersion(ctx, a.Table, a.ID)
		if err != nil {
			return err
		}
		return e.upload(ctx, key, a, raw)
	case ActionDownload:
		return e.download(ctx, st, key, a.Table, a.ID)
	case ActionDeleteLocal:
		return st.TombstoneVersion(ctx, a.Table, a.ID)
	case ActionDeleteServer:
		return ignoreNotFound(e.server.DeleteVersion(ctx, a.ID, false))
	case ActionPurge:
		if err := ignoreNotFound(e.server.DeleteVersion(ctx, a.ID, true)); err != nil {
			return err
		}
		return st.PurgeVersion(ctx, a.Table, a.ID)
	default:
		return fmt.Errorf("unknown action %q: %w", a.Type, common.ErrSystem)
	}
}

func (e *Engine) runEntityAction(ctx context.Context, st *store.Store, key string, a Action) error {
	switch a.Type {
	case ActionUpload:
		raw, err := st.ExportEntity(ctx, a.Table, a.ID)
		if err != nil {
			return err
		}
		return e.upload(ctx, key, a, raw)
	case ActionDownload:
		item, err := e.server.GetItem(ctx, a.ID)
		if err != nil {
			return err
		}
		if item.DeletedAt != nil || item.HeadVersionID == "" {
			return nil
		}
		return e.download(ctx, st, key, a.Table, item.HeadVersionID)
	case ActionDeleteLocal:
		return st.TombstoneEntity(ctx, a.Table, a.ID)
	case ActionDeleteServer:
		return ignoreNotFound(e.server.DeleteItem(ctx, a.ID, false))
	case ActionPurge:
		if err := ignoreNotFound(e.server.DeleteItem(ctx, a.ID, true)); err != nil {
			return err
		}
		return st.PurgeEntity(ctx, a.Table, a.ID)
	default:
		return fmt.Errorf("unknown action %q: %w", a.Type, common.ErrSystem)
	}
}

// upload re-encrypts a stored version under a fresh IV and sends it. A
// version the server already has counts as uploaded.
func (e *Engine) upload(ctx context.Context, key string, a Action, raw *store.RawVersion) error {
	plain, err := e.crypto.DecryptRaw(key, raw.Ciphertext, nil)
	if err != nil {
		return err
	}
	protected, err := e.crypto.Encrypt(key, json.RawMessage(plain))
	if err != nil {
		return err
	}
	err = e.server.CreateVersion(ctx, api.Version{
		ID:                raw.ID,
		VaultID:           a.VaultID,
		Type:              string(a.Table),
		ObjectID:          raw.EntityID,
		PreviousVersionID: raw.PreviousVersionID,
		CreatedAt:         raw.CreatedAt,
		CreatedBy:         raw.CreatedBy,
		DeletedAt:         raw.DeletedAt,
		ProtectedData:     protected,
	})
	if errors.Is(err, common.ErrConflict) {
		return nil
	}
	return err
}

// download fetches a version, decrypts it and imports it. Versions deleted
// on the server in the meantime are skipped.
func (e *Engine) download(ctx context.Context, st *store.Store, key string, table store.Table, versionID string) error {
	v, err := e.server.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.DeletedAt != nil || v.ProtectedData == "" {
		return nil
	}
	var data store.Data
	if err := e.crypto.Decrypt(key, v.ProtectedData, &data, nil); err != nil {
		return err
	}
	return st.ImportVersion(ctx, table, store.VersionInput{
		ID:                v.ID,
		EntityID:          v.ObjectID,
		PreviousVersionID: v.PreviousVersionID,
		CreatedAt:         v.CreatedAt,
		CreatedBy:         v.CreatedBy,
		Data:              data,
	})
}

func ignoreNotFound(err error) error {
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}

package httpapi

import (
	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/services"
)

func vaultToAPI(v *models.Vault) api.Vault {
	return api.Vault{
		ID:               v.ID,
		OwnerID:          v.OwnerID,
		Name:             v.Name,
		ProtectedDataKey: v.ProtectedDataKey,
		SyncEnabled:      v.SyncEnabled,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
		DeletedAt:        v.DeletedAt,
	}
}

func vaultFromAPI(v api.Vault) *models.Vault {
	return &models.Vault{
		ID:               v.ID,
		Name:             v.Name,
		ProtectedDataKey: v.ProtectedDataKey,
		SyncEnabled:      v.SyncEnabled,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
		DeletedAt:        v.DeletedAt,
	}
}

func versionToAPI(v *models.Version) api.Version {
	return api.Version{
		ID:                v.ID,
		VaultID:           v.VaultID,
		Type:              v.Type,
		ObjectID:          v.ItemID,
		PreviousVersionID: v.PreviousVersionID,
		CreatedAt:         v.CreatedAt,
		CreatedBy:         v.CreatedBy,
		DeletedAt:         v.DeletedAt,
		ProtectedData:     v.ProtectedData,
	}
}

func versionFromAPI(v api.Version) *models.Version {
	return &models.Version{
		ID:                v.ID,
		VaultID:           v.VaultID,
		ItemID:            v.ObjectID,
		Type:              v.Type,
		PreviousVersionID: v.PreviousVersionID,
		CreatedAt:         v.CreatedAt,
		CreatedBy:         v.CreatedBy,
		DeletedAt:         v.DeletedAt,
		ProtectedData:     v.ProtectedData,
	}
}

func itemToAPI(it *models.Item) api.Item {
	return api.Item{
		ID:            it.ID,
		VaultID:       it.VaultID,
		Type:          it.Type,
		HeadVersionID: it.HeadVersionID,
		CreatedAt:     it.CreatedAt,
		UpdatedAt:     it.UpdatedAt,
		DeletedAt:     it.DeletedAt,
	}
}

func snapshotToAPI(s *services.Snapshot) api.Snapshot {
	out := api.Snapshot{
		Vault: api.SnapshotVault{UpdatedAt: s.Vault.UpdatedAt},
		Items: make([]api.ItemSnapshot, 0, len(s.Items)),
	}
	for _, it := range s.Items {
		item := api.ItemSnapshot{
			ID:        it.ID,
			Type:      it.Type,
			DeletedAt: it.DeletedAt,
			Versions:  make([]api.VersionSnapshot, 0, len(s.Versions[it.ID])),
		}
		for _, v := range s.Versions[it.ID] {
			item.Versions = append(item.Versions, api.VersionSnapshot{ID: v.ID, DeletedAt: v.DeletedAt})
		}
		out.Items = append(out.Items, item)
	}
	return out
}

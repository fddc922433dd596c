package store

import (
	"context"

	"github.com/dmitrijs2005/vaultsync/internal/events"
)

var liveTypes = []events.Type{events.TypeDataChange, events.TypeVaultLock, events.TypeVaultUnlock}

// LiveGet re-reads one entity whenever it changes.
func (s *Store) LiveGet(ctx context.Context, table Table, id string) *events.LiveQuery[*Entity] {
	return events.Watch(ctx, s.bus, liveTypes, events.MatchEntity(s.vaultID, string(table), id),
		func(ctx context.Context) (*Entity, error) {
			return s.Get(ctx, table, id)
		})
}

// LiveQuery re-runs q whenever anything in table changes.
func (s *Store) LiveQuery(ctx context.Context, table Table, q Query) *events.LiveQuery[[]*Entity] {
	return events.Watch(ctx, s.bus, liveTypes, events.MatchTable(s.vaultID, string(table)),
		func(ctx context.Context) ([]*Entity, error) {
			return s.Query(ctx, table, q)
		})
}

// LiveGetVersions re-reads the version history of one entity.
func (s *Store) LiveGetVersions(ctx context.Context, table Table, entityID string) *events.LiveQuery[[]*Version] {
	return events.Watch(ctx, s.bus, liveTypes, events.MatchEntity(s.vaultID, string(table), entityID),
		func(ctx context.Context) ([]*Version, error) {
			return s.GetVersions(ctx, table, entityID)
		})
}

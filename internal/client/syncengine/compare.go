package syncengine

import (
	"fmt"
	"sort"

	"github.com/dmitrijs2005/vaultsync/internal/client/store"
)

// ActionType is what a sync action does.
type ActionType string

const (
	ActionUpload       ActionType = "upload"
	ActionDownload     ActionType = "download"
	ActionDeleteLocal  ActionType = "delete-local"
	ActionDeleteServer ActionType = "delete-server"
	ActionPurge        ActionType = "purge"
)

// Mirror returns the action the other side would derive for the same id.
func (t ActionType) Mirror() ActionType {
	switch t {
	case ActionUpload:
		return ActionDownload
	case ActionDownload:
		return ActionUpload
	case ActionDeleteLocal:
		return ActionDeleteServer
	case ActionDeleteServer:
		return ActionDeleteLocal
	default:
		return t
	}
}

var actionRank = map[ActionType]int{
	ActionUpload: 0, ActionDownload: 1, ActionDeleteServer: 2, ActionDeleteLocal: 3, ActionPurge: 4,
}

// Space tells entity ids and version ids apart.
type Space string

const (
	SpaceEntity  Space = "entity"
	SpaceVersion Space = "version"
)

// Action is one unit of sync work.
type Action struct {
	Type    ActionType
	VaultID string
	Table   store.Table
	Space   Space
	ID      string
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s/%s/%s/%s", a.Type, a.VaultID, a.Table, a.Space, a.ID)
}

// diff classifies every id of two id->tombstone maps from the point of view
// of side a. Swapping a and b swaps the result through Mirror, since the
// rules only ever look at the pair, never at a direction.
func diff(a, b map[string]bool, emit func(id string, t ActionType)) {
	for id, aDeleted := range a {
		bDeleted, inB := b[id]
		switch {
		case !inB && !aDeleted:
			emit(id, ActionUpload)
		case inB && aDeleted && bDeleted:
			emit(id, ActionPurge)
		case inB && aDeleted && !bDeleted:
			emit(id, ActionDeleteServer)
		case inB && !aDeleted && bDeleted:
			emit(id, ActionDeleteLocal)
		}
	}
	for id, bDeleted := range b {
		if _, inA := a[id]; !inA && !bDeleted {
			emit(id, ActionDownload)
		}
	}
}

// CompareSnapshots derives the actions that bring local and remote into the
// same state, per table and per id space, sorted by table, space, type, id.
func CompareSnapshots(vaultID string, local, remote store.Snapshot) []Action {
	var out []Action
	for _, t := range store.Tables {
		l, r := local[t], remote[t]
		for _, space := range []Space{SpaceEntity, SpaceVersion} {
			lm, rm := l.Entities, r.Entities
			if space == SpaceVersion {
				lm, rm = l.Versions, r.Versions
			}
			diff(lm, rm, func(id string, typ ActionType) {
				out = append(out, Action{Type: typ, VaultID: vaultID, Table: t, Space: space, ID: id})
			})
		}
	}
	sortActions(out)
	return out
}

var tableRank = func() map[store.Table]int {
	m := make(map[store.Table]int, len(store.Tables))
	for i, t := range store.Tables {
		m[t] = i
	}
	return m
}()

func sortActions(actions []Action) {
	sort.Slice(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Table != b.Table {
			return tableRank[a.Table] < tableRank[b.Table]
		}
		if a.Space != b.Space {
			return a.Space == SpaceEntity
		}
		if a.Type != b.Type {
			return actionRank[a.Type] < actionRank[b.Type]
		}
		return a.ID < b.ID
	})
}

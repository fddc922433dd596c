package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/vaultsync/internal/client/filter"
	"github.com/dmitrijs2005/vaultsync/internal/client/store"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/events"
)

// entityView is the JSON rendering of an entity.
type entityView struct {
	ID               string     `json:"id"`
	CurrentVersionID string     `json:"currentVersionId"`
	CreatedAt        string     `json:"createdAt"`
	CreatedBy        string     `json:"createdBy"`
	UpdatedAt        string     `json:"updatedAt"`
	UpdatedBy        string     `json:"updatedBy"`
	Data             store.Data `json:"data"`
}

func viewOf(e *store.Entity) entityView {
	return entityView{
		ID:               e.ID,
		CurrentVersionID: e.CurrentVersionID,
		CreatedAt:        common.FormatTime(e.CreatedAt),
		CreatedBy:        e.CreatedBy,
		UpdatedAt:        common.FormatTime(e.UpdatedAt),
		UpdatedBy:        e.UpdatedBy,
		Data:             e.Data,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// readData takes entity data from a JSON argument, or prompts for
// name=value fields when there is none.
func (s *Session) readData(args []string) (store.Data, error) {
	if len(args) == 0 {
		return GetFields(s.reader, s.out)
	}
	var data store.Data
	if err := json.Unmarshal([]byte(strings.Join(args, " ")), &data); err != nil {
		return nil, fmt.Errorf("data must be a JSON object: %w", err)
	}
	return data, nil
}

func (s *Session) CreateEntity(ctx context.Context, vault string, table store.Table, args []string) error {
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	data, err := s.readData(args)
	if err != nil {
		return err
	}
	id, err := st.Create(ctx, table, data, s.author(ctx))
	if err != nil {
		return err
	}
	s.println(id)
	return nil
}

func (s *Session) GetEntity(ctx context.Context, vault string, table store.Table, id string) error {
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	e, err := st.Get(ctx, table, id)
	if err != nil {
		return err
	}
	return writeJSON(s.out, viewOf(e))
}

// UpdateEntity merges a patch into the entity's data as a new version.
func (s *Session) UpdateEntity(ctx context.Context, vault string, table store.Table, id string, args []string) error {
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	patch, err := s.readData(args)
	if err != nil {
		return err
	}
	versionID, err := st.Update(ctx, table, id, patch, s.author(ctx))
	if err != nil {
		return err
	}
	s.println(versionID)
	return nil
}

func (s *Session) DeleteEntity(ctx context.Context, vault string, table store.Table, id string) error {
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	return st.Delete(ctx, table, id)
}

// listOptions are the flags of "entity list" and "entity watch".
type listOptions struct {
	where  string
	order  []string
	desc   bool
	limit  int
	offset int
	asJSON bool
}

func (o listOptions) query() (store.Query, error) {
	var q store.Query
	if o.where != "" {
		expr, err := filter.Parse([]byte(o.where))
		if err != nil {
			return q, err
		}
		q.Where = expr
	}
	for _, f := range o.order {
		q.Order = append(q.Order, store.Order{Field: f, Desc: o.desc})
	}
	if o.limit < 0 || o.offset < 0 {
		return q, errors.New("limit and offset must not be negative")
	}
	q.Limit, q.Offset = o.limit, o.offset
	return q, nil
}

func (s *Session) ListEntities(ctx context.Context, vault string, table store.Table, opts listOptions) error {
	q, err := opts.query()
	if err != nil {
		return err
	}
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	items, err := st.Query(ctx, table, q)
	if err != nil {
		return err
	}
	return s.printEntities(items, opts.asJSON)
}

func (s *Session) printEntities(items []*store.Entity, asJSON bool) error {
	if asJSON {
		views := make([]entityView, 0, len(items))
		for _, e := range items {
			views = append(views, viewOf(e))
		}
		return writeJSON(s.out, views)
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tBY\tDATA")
	for _, e := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, common.FormatTime(e.UpdatedAt), e.UpdatedBy, compactJSON(e.Data))
	}
	return tw.Flush()
}

func (s *Session) printVersions(versions []*store.Version) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tCREATED\tBY\tPREVIOUS\tDATA")
	for _, v := range versions {
		data := compactJSON(v.Data)
		if v.Tombstoned() {
			data = "(deleted " + common.FormatTime(*v.DeletedAt) + ")"
		}
		prev := v.PreviousVersionID
		if prev == "" {
			prev = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, common.FormatTime(v.CreatedAt), v.CreatedBy, prev, data)
	}
	return tw.Flush()
}

// History prints the version chain of an entity, oldest first.
func (s *Session) History(ctx context.Context, vault string, table store.Table, id string) error {
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	versions, err := st.GetVersions(ctx, table, id)
	if err != nil {
		return err
	}
	return s.printVersions(versions)
}

func (s *Session) DeleteVersion(ctx context.Context, vault string, table store.Table, versionID string) error {
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	return st.DeleteVersion(ctx, table, versionID)
}

// Watch prints the query result every time it changes until ctx is done.
// With an id only that entity is followed.
func (s *Session) Watch(ctx context.Context, vault string, table store.Table, id string, opts listOptions) error {
	st, err := s.openStore(ctx, vault)
	if err != nil {
		return err
	}
	if id != "" {
		lq := st.LiveGet(ctx, table, id)
		defer lq.Close()
		return drain(ctx, lq.Results(), func(e *store.Entity) error {
			return writeJSON(s.out, viewOf(e))
		}, s)
	}

	q, err := opts.query()
	if err != nil {
		return err
	}
	lq := st.LiveQuery(ctx, table, q)
	defer lq.Close()
	return drain(ctx, lq.Results(), func(items []*store.Entity) error {
		s.printf("-- %d %s\n", len(items), table)
		return s.printEntities(items, opts.asJSON)
	}, s)
}

func drain[T any](ctx context.Context, results <-chan events.Result[T], show func(T) error, s *Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-results:
			if !ok {
				return nil
			}
			switch r.Status {
			case events.StatusLoading:
				s.println("-- loading")
			case events.StatusError:
				s.printf("-- error: %v\n", r.Err)
			case events.StatusSuccess:
				if err := show(r.Value); err != nil {
					return err
				}
			}
		}
	}
}

func tableArg(args []string) (store.Table, error) {
	return store.ParseTable(args[0])
}

func newEntityCommand(s *Session) *cobra.Command {
	var vault string
	cmd := &cobra.Command{
		Use:     "entity",
		Aliases: []string{"e"},
		Short:   "Read and write the entities of a vault",
		Long: "Read and write the entities of a vault.\n\n" +
			"Tables: fields, content-types, content-items, views.\n" +
			"Data is a JSON object; without it you are prompted for name=value fields.",
	}
	cmd.PersistentFlags().StringVarP(&vault, "vault", "V", "", "vault name or id (default: current vault)")

	withTable := func(use, short string, args cobra.PositionalArgs, run func(ctx context.Context, table store.Table, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(c *cobra.Command, args []string) error {
				table, err := tableArg(args)
				if err != nil {
					return err
				}
				return run(c.Context(), table, args[1:])
			},
		}
	}

	create := withTable("create <table> [json]", "Create an entity", cobra.MinimumNArgs(1),
		func(ctx context.Context, table store.Table, rest []string) error {
			return s.CreateEntity(ctx, vault, table, rest)
		})
	get := withTable("get <table> <id>", "Show an entity", cobra.ExactArgs(2),
		func(ctx context.Context, table store.Table, rest []string) error {
			return s.GetEntity(ctx, vault, table, rest[0])
		})
	update := withTable("update <table> <id> [json]", "Merge a patch into an entity as a new version", cobra.MinimumNArgs(2),
		func(ctx context.Context, table store.Table, rest []string) error {
			return s.UpdateEntity(ctx, vault, table, rest[0], rest[1:])
		})
	del := withTable("delete <table> <id>", "Delete an entity and its history", cobra.ExactArgs(2),
		func(ctx context.Context, table store.Table, rest []string) error {
			return s.DeleteEntity(ctx, vault, table, rest[0])
		})
	history := withTable("history <table> <id>", "Show the version history of an entity", cobra.ExactArgs(2),
		func(ctx context.Context, table store.Table, rest []string) error {
			return s.History(ctx, vault, table, rest[0])
		})
	deleteVersion := withTable("delete-version <table> <version-id>", "Delete one version of an entity", cobra.ExactArgs(2),
		func(ctx context.Context, table store.Table, rest []string) error {
			return s.DeleteVersion(ctx, vault, table, rest[0])
		})

	var listOpts listOptions
	list := withTable("list <table>", "Query the entities of a table", cobra.ExactArgs(1),
		func(ctx context.Context, table store.Table, _ []string) error {
			return s.ListEntities(ctx, vault, table, listOpts)
		})
	list.Aliases = []string{"ls"}
	addListFlags(list, &listOpts)

	var watchOpts listOptions
	watch := withTable("watch <table> [id]", "Print a query or an entity every time it changes", cobra.RangeArgs(1, 2),
		func(ctx context.Context, table store.Table, rest []string) error {
			return s.Watch(ctx, vault, table, optionalArg(rest), watchOpts)
		})
	addListFlags(watch, &watchOpts)

	cmd.AddCommand(create, get, update, del, list, history, deleteVersion, watch)
	return cmd
}

func addListFlags(cmd *cobra.Command, o *listOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.where, "where", "w", "", `JSON filter, e.g. '{"/data/name": {"$like": "ali"}}'`)
	f.StringSliceVarP(&o.order, "order", "o", nil, "order by column or /data/ path (repeatable)")
	f.BoolVar(&o.desc, "desc", false, "sort descending")
	f.IntVar(&o.limit, "limit", 0, "maximum number of results (0 for all)")
	f.IntVar(&o.offset, "offset", 0, "number of results to skip")
	f.BoolVar(&o.asJSON, "json", false, "print JSON")
}

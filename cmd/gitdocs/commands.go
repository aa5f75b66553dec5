package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maruel/gitdocs/internal/docstore"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection>",
		Short: "Print all records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}

func newItemCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "item <collection> <id-or-uid>",
		Short: "Print the record matching an id or uid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, found, err := a.store.GetItem(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s in %s", errNotFound, args[1], args[0])
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}

func newInsertCmd(a *app) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "insert <collection> <json-object>",
		Short: "Insert a record and print it with its id and uid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := parseRecord(args[1])
			if err != nil {
				return err
			}
			var r docstore.Record
			err = retry(cmd.Context(), retries, func(ctx context.Context) error {
				r, err = a.store.Insert(ctx, args[0], partial)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retries on version conflict")
	return cmd
}

func newBulkInsertCmd(a *app) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "bulk-insert <collection> <json-array>",
		Short: "Insert several records in one commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var partials []docstore.Record
			if err := json.Unmarshal([]byte(args[1]), &partials); err != nil {
				return fmt.Errorf("invalid records: %w", err)
			}
			for i, p := range partials {
				if p == nil {
					return fmt.Errorf("invalid records: item %d is not an object", i)
				}
			}
			var out []docstore.Record
			err := retry(cmd.Context(), retries, func(ctx context.Context) error {
				var err error
				out, err = a.store.BulkInsert(ctx, args[0], partials)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retries on version conflict")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "update <collection> <id-or-uid> <json-object>",
		Short: "Merge fields into a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseRecord(args[2])
			if err != nil {
				return err
			}
			var r docstore.Record
			var found bool
			err = retry(cmd.Context(), retries, func(ctx context.Context) error {
				r, found, err = a.store.Update(ctx, args[0], args[1], patch)
				return err
			})
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s in %s", errNotFound, args[1], args[0])
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retries on version conflict")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "delete <collection> <id-or-uid>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var removed bool
			err := retry(cmd.Context(), retries, func(ctx context.Context) error {
				var err error
				removed, err = a.store.Delete(ctx, args[0], args[1])
				return err
			})
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%w: %s in %s", errNotFound, args[1], args[0])
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"deleted": true})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retries on version conflict")
	return cmd
}

type queryFlags struct {
	where  []string
	sort   string
	desc   bool
	fields []string
	limit  int
}

func newQueryCmd(a *app) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query <collection>",
		Short: "Filter, sort and project the records of a collection",
		Example: `  gitdocs query users --where age:gt:30 --sort name --fields name,age
  gitdocs query users --where 'name:starts_with:"A"' --desc --sort age --limit 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := f.build(a.store.Query(args[0]))
			if err != nil {
				return err
			}
			records, err := q.Exec(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringArrayVar(&f.where, "where", nil, "filter as field:op:value, repeatable")
	cmd.Flags().StringVar(&f.sort, "sort", "", "field to sort by")
	cmd.Flags().BoolVar(&f.desc, "desc", false, "sort in descending order")
	cmd.Flags().StringSliceVar(&f.fields, "fields", nil, "fields to keep in the output")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of records")
	return cmd
}

func (f *queryFlags) build(q docstore.Query) (docstore.Query, error) {
	for _, w := range f.where {
		field, op, value, err := parseWhere(w)
		if err != nil {
			return q, err
		}
		q = q.WhereField(field, op, value)
	}
	if f.sort != "" {
		dir := docstore.Asc
		if f.desc {
			dir = docstore.Desc
		}
		q = q.Sort(f.sort, dir)
	}
	if len(f.fields) != 0 {
		q = q.Project(f.fields...)
	}
	return q.Limit(f.limit), nil
}

// parseWhere parses "field:op:value". The value is decoded as JSON when
// possible and taken as a plain string otherwise.
func parseWhere(s string) (string, docstore.FilterOp, any, error) {
	field, rest, ok := strings.Cut(s, ":")
	if !ok || field == "" {
		return "", "", nil, fmt.Errorf("invalid filter %q, want field:op:value", s)
	}
	opStr, raw, _ := strings.Cut(rest, ":")
	op := docstore.FilterOp(opStr)
	switch op {
	case docstore.OpIsEmpty, docstore.OpIsNotEmpty:
		return field, op, nil, nil
	case docstore.OpEquals, docstore.OpNotEquals, docstore.OpGreater, docstore.OpLess,
		docstore.OpGreaterEq, docstore.OpLessEq, docstore.OpContains,
		docstore.OpStartsWith, docstore.OpEndsWith:
	default:
		return "", "", nil, fmt.Errorf("invalid filter %q: unknown operator %q", s, opStr)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return field, op, value, nil
}

func newCollectionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List the collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.store.Collections(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), names)
		},
	}
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <collection>",
		Short: "Print the JSON Schema of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.store.Path(args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a.store.Schema(args[0]).JSONSchema(args[0]))
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <collection>",
		Short: "List the commits that changed a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.git == nil {
				return errors.New("history requires the git backend")
			}
			p, err := a.store.Path(args[0])
			if err != nil {
				return err
			}
			commits, err := a.git.History(cmd.Context(), p, limit)
			if err != nil {
				return err
			}
			if commits == nil {
				return printJSON(cmd.OutOrStdout(), []any{})
			}
			return printJSON(cmd.OutOrStdout(), commits)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of commits")
	return cmd
}

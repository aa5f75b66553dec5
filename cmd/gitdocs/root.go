package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maruel/gitdocs/internal/blobstore"
	"github.com/maruel/gitdocs/internal/blobstore/contents"
	"github.com/maruel/gitdocs/internal/blobstore/gitstore"
	"github.com/maruel/gitdocs/internal/config"
	"github.com/maruel/gitdocs/internal/docstore"
)

// app is the state shared by all subcommands.
type app struct {
	configPath string
	envPath    string
	logLevel   string
	gitDir     string

	level *slog.LevelVar
	cfg   *config.Config
	store *docstore.Store
	git   *gitstore.Store // nil with the contents backend.
}

// newRootCmd returns the gitdocs command tree writing results to out.
func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "gitdocs",
		Short: "JSON collections stored in a git repository",
		Long: `gitdocs reads and writes collections of JSON records kept as one blob per
collection in a git repository. Every write is conditioned on the version that
was read; a concurrent change makes the write fail with a conflict.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "gitdocs.yaml", "configuration file")
	cmd.PersistentFlags().StringVar(&a.envPath, "env", ".env", ".env file with overrides")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&a.gitDir, "git-dir", "", "git repository directory, overrides git.dir")

	cmd.AddCommand(
		newGetCmd(a),
		newItemCmd(a),
		newInsertCmd(a),
		newBulkInsertCmd(a),
		newUpdateCmd(a),
		newDeleteCmd(a),
		newQueryCmd(a),
		newCollectionsCmd(a),
		newSchemaCmd(a),
		newHistoryCmd(a),
	)
	return cmd
}

// init loads the configuration and opens the store.
func (a *app) init(ctx context.Context) error {
	if a.level == nil {
		a.level = initLogger()
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(a.envPath); err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.gitDir != "" {
		cfg.Git.Dir = a.gitDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.level.Set(lvl)
	a.cfg = cfg

	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return err
	}
	opts := []docstore.Option{docstore.WithBasePath(cfg.BasePath), docstore.WithSchemas(cfg.Schemas)}
	if cfg.LockCollections {
		opts = append(opts, docstore.WithCollectionLocks())
	}
	a.store = docstore.New(blobs, opts...)
	slog.DebugContext(ctx, "gitdocs: ready", "backend", cfg.Backend, "base_path", cfg.BasePath)
	return nil
}

func (a *app) openBlobs(ctx context.Context) (blobstore.Store, error) {
	switch a.cfg.Backend {
	case config.BackendGit:
		g, err := gitstore.Open(a.cfg.Git.Dir, gitstore.Author{Name: a.cfg.Git.AuthorName, Email: a.cfg.Git.AuthorEmail})
		if err != nil {
			return nil, err
		}
		a.git = g
		return g, nil
	case config.BackendContents:
		c := a.cfg.Contents
		return contents.New(ctx, contents.Config{
			BaseURL:           c.BaseURL,
			Owner:             c.Owner,
			Repo:              c.Repo,
			Branch:            c.Branch,
			Token:             c.Token,
			RequestsPerSecond: c.RequestsPerSecond,
			Burst:             c.Burst,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
	}
}

// retry runs fn, retrying up to n more times on conflict.
func retry(ctx context.Context, n int, fn func(ctx context.Context) error) error {
	if n <= 0 {
		return fn(ctx)
	}
	return docstore.RetryOnConflict(ctx, n+1, fn)
}

func printJSON(w io.Writer, v any) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

func parseRecord(s string) (docstore.Record, error) {
	var r docstore.Record
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	if r == nil {
		return nil, errors.New("invalid record: expected a JSON object")
	}
	return r, nil
}

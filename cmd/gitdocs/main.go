// Package main is the gitdocs command line tool.
//
// gitdocs manipulates JSON collections stored as blobs in a git repository,
// either a local one or a remote one reached through a contents API.
// Configuration is read from a YAML file, a .env file and CLI flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/gitdocs/internal/docstore"
)

var errNotFound = errors.New("not found")

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "gitdocs: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd(os.Stdout).ExecuteContext(ctx)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var ve *docstore.ValidationError
	switch {
	case errors.As(err, &ve):
		return 2
	case errors.Is(err, docstore.ErrConflict):
		return 3
	case errors.Is(err, errNotFound):
		return 4
	default:
		return 1
	}
}

// initLogger installs a tint handler on stderr and returns its level.
func initLogger() *slog.LevelVar {
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
	return ll
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

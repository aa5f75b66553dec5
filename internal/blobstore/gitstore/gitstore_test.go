package gitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	gogit "github.com/go-git/go-git/v5"

	"github.com/maruel/gitdocs/internal/blobstore"
)

func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("ReadMissing", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		if _, err := s.Read(t.Context(), "db/users.json"); !errors.Is(err, blobstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if h, err := s.History(t.Context(), "db/users.json", 0); err != nil || len(h) != 0 {
			t.Fatalf("History() on an empty repository = %v, %v", h, err)
		}
	})

	t.Run("WriteRead", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newTestStore(t)
		v, err := s.Write(ctx, "db/users.json", []byte("[]"), "create users", "")
		if err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
		if want := blobstore.HashContent([]byte("[]")); v != want {
			t.Errorf("version = %q, want %q", v, want)
		}
		b, err := s.Read(ctx, "db/users.json")
		if err != nil {
			t.Fatalf("Read() failed: %v", err)
		}
		if string(b.Content) != "[]" {
			t.Errorf("content = %q", b.Content)
		}
		if b.Version != v {
			t.Errorf("read version %q != written version %q", b.Version, v)
		}
	})

	t.Run("Conflict", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newTestStore(t)
		v1, err := s.Write(ctx, "a.json", []byte("[1]"), "v1", "")
		if err != nil {
			t.Fatal(err)
		}
		v2, err := s.Write(ctx, "a.json", []byte("[2]"), "v2", v1)
		if err != nil {
			t.Fatalf("conditional write with current version failed: %v", err)
		}
		if _, err := s.Write(ctx, "a.json", []byte("[3]"), "v3", v1); !errors.Is(err, blobstore.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		b, err := s.Read(ctx, "a.json")
		if err != nil {
			t.Fatal(err)
		}
		if string(b.Content) != "[2]" || b.Version != v2 {
			t.Errorf("got %q@%s, want [2]@%s", b.Content, b.Version, v2)
		}
	})

	t.Run("CreateExisting", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newTestStore(t)
		if _, err := s.Write(ctx, "a.json", []byte("[1]"), "v1", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Write(ctx, "a.json", []byte("[2]"), "v2", ""); !errors.Is(err, blobstore.ErrConflict) {
			t.Fatalf("create over existing blob: expected ErrConflict, got %v", err)
		}
	})

	t.Run("SameContentNoCommit", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newTestStore(t)
		v, err := s.Write(ctx, "a.json", []byte("[]"), "write", "")
		if err != nil {
			t.Fatal(err)
		}
		if v2, err := s.Write(ctx, "a.json", []byte("[]"), "write", v); err != nil || v2 != v {
			t.Fatalf("rewrite = %q, %v", v2, err)
		}
		history, err := s.History(ctx, "a.json", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 1 {
			t.Errorf("expected 1 commit, got %d", len(history))
		}
	})

	t.Run("List", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newTestStore(t)
		if _, err := s.List(ctx, "db"); !errors.Is(err, blobstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on empty repo, got %v", err)
		}
		for _, p := range []string{"db/users.json", "db/posts.json", "db/sub/x.json"} {
			if _, err := s.Write(ctx, p, []byte("[]"), "create "+p, ""); err != nil {
				t.Fatal(err)
			}
		}
		entries, err := s.List(ctx, "db")
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		got := map[string]bool{}
		for _, e := range entries {
			got[e.Name] = e.IsFile
		}
		want := map[string]bool{"users.json": true, "posts.json": true, "sub": false}
		if len(got) != len(want) {
			t.Fatalf("entries = %v, want %v", got, want)
		}
		for k, v := range want {
			if isFile, ok := got[k]; !ok || isFile != v {
				t.Errorf("entry %q: got (%v, %v), want %v", k, isFile, ok, v)
			}
		}
		if _, err := s.List(ctx, "missing"); !errors.Is(err, blobstore.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("History", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newTestStore(t)
		var v blobstore.Version
		for _, msg := range []string{"Commit 1", "Commit 2"} {
			var err error
			if v, err = s.Write(ctx, "a.json", []byte(msg), msg, v); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.Write(ctx, "b.json", []byte("[]"), "other", ""); err != nil {
			t.Fatal(err)
		}
		history, err := s.History(ctx, "a.json", 10)
		if err != nil {
			t.Fatalf("History() failed: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 commits, got %d", len(history))
		}
		if history[0].Message != "Commit 2" {
			t.Errorf("expected newest first, got %q", history[0].Message)
		}
		if history[0].Author != "Test User" {
			t.Errorf("author = %q", history[0].Author)
		}
	})

	t.Run("InvalidPath", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		for _, p := range []string{"", "/", "a\\b.json"} {
			if _, err := s.Write(t.Context(), p, []byte("x"), "bad", ""); !errors.Is(err, errInvalidPath) {
				t.Errorf("Write(%q): expected errInvalidPath, got %v", p, err)
			}
		}
	})

	t.Run("PathType", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		s := newTestStore(t)
		if _, err := s.Write(ctx, "a", []byte("x"), "file", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Write(ctx, "a/b.json", []byte("x"), "under file", ""); !errors.Is(err, errPathType) {
			t.Errorf("expected errPathType, got %v", err)
		}
		if _, err := s.Write(ctx, "d/b.json", []byte("x"), "dir", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Write(ctx, "d", []byte("x"), "over dir", ""); !errors.Is(err, errPathType) {
			t.Errorf("expected errPathType, got %v", err)
		}
	})

	t.Run("OnDisk", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		dir := t.TempDir()
		s, err := Open(dir, Author{Name: "Test User", Email: "test@example.com"})
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		v, err := s.Write(ctx, "db/users.json", []byte("[]"), "create", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
			t.Errorf("bare repository not created: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "db")); !os.IsNotExist(err) {
			t.Errorf("no worktree expected, got %v", err)
		}

		reopened, err := Open(dir, Author{})
		if err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		b, err := reopened.Read(ctx, "db/users.json")
		if err != nil {
			t.Fatal(err)
		}
		if b.Version != v || string(b.Content) != "[]" {
			t.Errorf("after reopen = %q@%s, want []@%s", b.Content, b.Version, v)
		}
	})

	t.Run("NonBare", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		dir := t.TempDir()
		if _, err := gogit.PlainInit(dir, false); err != nil {
			t.Fatal(err)
		}
		s, err := Open(dir, Author{})
		if err != nil {
			t.Fatal(err)
		}
		v, err := s.Write(ctx, "a.json", []byte("[]"), "create", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dir, gogit.GitDirName, lockName)); err != nil {
			t.Errorf("lock file not in the git directory: %v", err)
		}
		if b, err := s.Read(ctx, "a.json"); err != nil || b.Version != v {
			t.Errorf("Read() = %v, %v", b, err)
		}
	})
}

func TestTwoHandles(t *testing.T) {
	t.Parallel()

	t.Run("StaleVersion", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		dir := t.TempDir()
		a, b := openTwo(t, dir)
		v0, err := a.Write(ctx, "c.json", []byte("0"), "init", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.Write(ctx, "c.json", []byte("a"), "from a", v0); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Write(ctx, "c.json", []byte("b"), "from b", v0); !errors.Is(err, blobstore.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := b.Write(ctx, "new.json", []byte("b"), "create", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := a.Write(ctx, "new.json", []byte("a"), "create", ""); !errors.Is(err, blobstore.ErrConflict) {
			t.Fatalf("create raced: expected ErrConflict, got %v", err)
		}
		got, err := b.Read(ctx, "c.json")
		if err != nil {
			t.Fatal(err)
		}
		if string(got.Content) != "a" {
			t.Errorf("content = %q, want a", got.Content)
		}
	})

	t.Run("NoLostWrites", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		dir := t.TempDir()
		const writers, perWriter = 8, 5
		stores := make([]*Store, writers)
		for i := range stores {
			s, err := Open(dir, Author{})
			if err != nil {
				t.Fatal(err)
			}
			stores[i] = s
		}
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i, s := range stores {
			wg.Go(func() {
				for j := range perWriter {
					if errs[i] = appendLine(ctx, s, "log.txt", fmt.Sprintf("%d-%d", i, j)); errs[i] != nil {
						return
					}
				}
			})
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}
		b, err := stores[0].Read(ctx, "log.txt")
		if err != nil {
			t.Fatal(err)
		}
		if lines := strings.Split(strings.TrimSpace(string(b.Content)), "\n"); len(lines) != writers*perWriter {
			t.Errorf("stored %d lines, want %d", len(lines), writers*perWriter)
		}
		history, err := stores[0].History(ctx, "log.txt", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != writers*perWriter {
			t.Errorf("history = %d commits, want %d", len(history), writers*perWriter)
		}
	})
}

// appendLine adds line to the blob at p, re-reading after each conflict.
func appendLine(ctx context.Context, s *Store, p, line string) error {
	for {
		var content []byte
		var version blobstore.Version
		switch b, err := s.Read(ctx, p); {
		case err == nil:
			content, version = b.Content, b.Version
		case !errors.Is(err, blobstore.ErrNotFound):
			return err
		}
		_, err := s.Write(ctx, p, append(content, line+"\n"...), "append "+line, version)
		if !errors.Is(err, blobstore.ErrConflict) {
			return err
		}
	}
}

func openTwo(t *testing.T, dir string) (*Store, *Store) {
	t.Helper()
	a, err := Open(dir, Author{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open(dir, Author{Name: "B"})
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewInMemory(Author{Name: "Test User", Email: "test@example.com"})
	if err != nil {
		t.Fatalf("NewInMemory() failed: %v", err)
	}
	return s
}

// Implements blobstore.Store on a git repository using go-git.

// Package gitstore stores blobs as files committed to a git repository.
//
// The version of a blob is its git blob hash at HEAD. Every successful write
// is one commit touching one file. Commits are built directly in the object
// database and the branch is advanced with a compare-and-swap, so the
// worktree and the index are never used.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/maruel/gitdocs/internal/blobstore"
)

// lockName is the lock file taken in the git directory by every operation.
const lockName = "gitdocs.lock"

var (
	errInvalidPath = errors.New("invalid blob path")
	errPathType    = errors.New("path conflicts with an existing file or directory")
)

// Author identifies who makes the commits.
type Author struct {
	Name  string
	Email string
}

func (a Author) withDefaults() Author {
	if a.Name == "" {
		a.Name = "gitdocs"
	}
	if a.Email == "" {
		a.Email = "gitdocs@localhost"
	}
	return a
}

// Commit represents a commit in git history.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"` // Subject line.
	Body    string    `json:"body,omitempty"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// Store implements blobstore.Store.
//
// It is safe for concurrent use. Handles opened on the same directory, in this
// process or in others, serialize through a lock file in the git directory.
// The branch update is a compare-and-swap against the commit the version
// check was made on, so a concurrent writer is reported as ErrConflict.
type Store struct {
	repo   *gogit.Repository
	author Author
	lockFS billy.Filesystem // nil for in-memory repositories.
	mu     sync.Mutex
}

// Open opens the git repository in dir, initializing a bare one if needed.
//
// An existing non-bare repository is accepted; its worktree is left untouched.
func Open(dir string, author Author) (*Store, error) {
	author = author.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		// Not a repo yet, initialize.
		repo, err = gogit.PlainInit(dir, true)
		switch {
		case errors.Is(err, gogit.ErrRepositoryAlreadyExists):
			// Another process initialized it first.
			if repo, err = gogit.PlainOpen(dir); err != nil {
				return nil, fmt.Errorf("failed to open git repo: %w", err)
			}
		case err != nil:
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		default:
			if err := setUser(repo, author); err != nil {
				return nil, err
			}
		}
	}
	gitDir := dir
	if fi, err := os.Stat(filepath.Join(dir, gogit.GitDirName)); err == nil && fi.IsDir() {
		gitDir = filepath.Join(dir, gogit.GitDirName)
	}
	return &Store{repo: repo, author: author, lockFS: osfs.New(gitDir)}, nil
}

// NewInMemory returns a Store on a repository that lives only in memory.
func NewInMemory(author Author) (*Store, error) {
	author = author.withDefaults()
	repo, err := gogit.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory git repo: %w", err)
	}
	if err := setUser(repo, author); err != nil {
		return nil, err
	}
	return &Store{repo: repo, author: author}, nil
}

func setUser(repo *gogit.Repository, author Author) error {
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("failed to read git config: %w", err)
	}
	cfg.User.Name = author.Name
	cfg.User.Email = author.Email
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("failed to write git config: %w", err)
	}
	return nil
}

// Read implements blobstore.Store.
func (s *Store) Read(ctx context.Context, p string) (*blobstore.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock("read", p)
	if err != nil {
		return nil, err
	}
	defer unlock()

	f, err := s.fileAtHead(p)
	if err != nil {
		return nil, err
	}
	reader, err := f.Reader()
	if err != nil {
		return nil, &blobstore.TransportError{Op: "read", Path: p, Err: err}
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &blobstore.TransportError{Op: "read", Path: p, Err: err}
	}
	return &blobstore.Blob{Content: data, Version: blobstore.Version(f.Hash.String())}, nil
}

// Write implements blobstore.Store.
func (s *Store) Write(ctx context.Context, p string, content []byte, message string, expected blobstore.Version) (blobstore.Version, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	unlock, err := s.lock("write", p)
	if err != nil {
		return "", err
	}
	defer unlock()

	branch, old, err := s.branch()
	if err != nil {
		return "", &blobstore.TransportError{Op: "write", Path: p, Err: err}
	}
	var root *object.Tree
	var parents []plumbing.Hash
	if old != nil {
		c, err := s.repo.CommitObject(old.Hash())
		if err != nil {
			return "", &blobstore.TransportError{Op: "write", Path: p, Err: fmt.Errorf("failed to get commit: %w", err)}
		}
		if root, err = c.Tree(); err != nil {
			return "", &blobstore.TransportError{Op: "write", Path: p, Err: fmt.Errorf("failed to get tree: %w", err)}
		}
		parents = []plumbing.Hash{old.Hash()}
	}

	var current blobstore.Version
	switch f, err := fileIn(root, p); {
	case err == nil:
		current = blobstore.Version(f.Hash.String())
	case errors.Is(err, blobstore.ErrNotFound):
	default:
		return "", err
	}
	if expected != current {
		return "", blobstore.ErrConflict
	}
	version := blobstore.HashContent(content)
	if version == current {
		// Same bytes as HEAD, nothing to commit.
		return version, nil
	}

	blob, err := s.storeBlob(content)
	if err != nil {
		return "", &blobstore.TransportError{Op: "write", Path: p, Err: err}
	}
	treeHash, err := s.storeTree(root, strings.Split(p, "/"), blob)
	if err != nil {
		if errors.Is(err, errPathType) {
			return "", fmt.Errorf("%w: %q", err, p)
		}
		return "", &blobstore.TransportError{Op: "write", Path: p, Err: err}
	}
	sig := object.Signature{Name: s.author.Name, Email: s.author.Email, When: time.Now()}
	commit, err := s.storeObject(&object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	})
	if err != nil {
		return "", &blobstore.TransportError{Op: "write", Path: p, Err: fmt.Errorf("failed to commit: %w", err)}
	}
	if err := s.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(branch, commit), old); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return "", blobstore.ErrConflict
		}
		return "", &blobstore.TransportError{Op: "write", Path: p, Err: fmt.Errorf("failed to update %s: %w", branch, err)}
	}
	return blobstore.Version(blob.String()), nil
}

// List implements blobstore.Store.
func (s *Store) List(ctx context.Context, dir string) ([]blobstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := s.lock("list", dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tree, err := s.headTree()
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, blobstore.ErrNotFound
	}
	if dir = strings.Trim(path.Clean("/"+dir), "/"); dir != "" {
		if tree, err = tree.Tree(dir); err != nil {
			if errors.Is(err, object.ErrDirectoryNotFound) {
				return nil, blobstore.ErrNotFound
			}
			return nil, &blobstore.TransportError{Op: "list", Path: dir, Err: err}
		}
	}
	out := make([]blobstore.Entry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		out = append(out, blobstore.Entry{Name: e.Name, IsFile: e.Mode.IsFile()})
	}
	return out, nil
}

// History returns the commits touching p, newest first, limited to n commits.
// n is capped at 1000. If n <= 0, defaults to 1000.
func (s *Store) History(ctx context.Context, p string, n int) ([]*Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > 1000 {
		n = 1000
	}
	unlock, err := s.lock("history", p)
	if err != nil {
		return nil, err
	}
	defer unlock()

	iter, err := s.repo.Log(&gogit.LogOptions{FileName: &p})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil // No commits yet.
		}
		return nil, &blobstore.TransportError{Op: "history", Path: p, Err: err}
	}
	defer iter.Close()

	var commits []*Commit
	for range n {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &blobstore.TransportError{Op: "history", Path: p, Err: err}
		}
		subject, body, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, &Commit{
			Hash:    c.Hash.String(),
			Message: subject,
			Body:    strings.TrimSpace(body),
			Author:  c.Author.Name,
			Date:    c.Author.When,
		})
	}
	return commits, nil
}

// lock takes the in-process mutex, then the repository lock file if any.
func (s *Store) lock(op, p string) (func(), error) {
	s.mu.Lock()
	if s.lockFS == nil {
		return s.mu.Unlock, nil
	}
	f, err := s.lockFS.OpenFile(lockName, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		s.mu.Unlock()
		return nil, &blobstore.TransportError{Op: op, Path: p, Err: fmt.Errorf("failed to open lock file: %w", err)}
	}
	if err := f.Lock(); err != nil {
		_ = f.Close()
		s.mu.Unlock()
		return nil, &blobstore.TransportError{Op: op, Path: p, Err: fmt.Errorf("failed to lock: %w", err)}
	}
	return func() {
		_ = f.Unlock()
		_ = f.Close()
		s.mu.Unlock()
	}, nil
}

// branch returns the reference HEAD points to and its current value, nil
// when the branch has no commit yet.
func (s *Store) branch() (plumbing.ReferenceName, *plumbing.Reference, error) {
	head, err := s.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read HEAD: %w", err)
	}
	name := plumbing.HEAD
	if head.Type() == plumbing.SymbolicReference {
		name = head.Target()
	}
	ref, err := s.repo.Storer.Reference(name)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return name, nil, nil
		}
		return "", nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return name, ref, nil
}

// headTree returns the tree at HEAD, or nil when the repository has no commit.
func (s *Store) headTree() (*object.Tree, error) {
	ref, err := s.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, &blobstore.TransportError{Op: "head", Err: err}
	}
	c, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, &blobstore.TransportError{Op: "head", Err: fmt.Errorf("failed to get commit: %w", err)}
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, &blobstore.TransportError{Op: "head", Err: fmt.Errorf("failed to get tree: %w", err)}
	}
	return tree, nil
}

func (s *Store) fileAtHead(p string) (*object.File, error) {
	tree, err := s.headTree()
	if err != nil {
		return nil, err
	}
	return fileIn(tree, p)
}

func fileIn(tree *object.Tree, p string) (*object.File, error) {
	if tree == nil {
		return nil, blobstore.ErrNotFound
	}
	f, err := tree.File(p)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, blobstore.ErrNotFound
		}
		return nil, &blobstore.TransportError{Op: "read", Path: p, Err: err}
	}
	return f, nil
}

func (s *Store) storeBlob(content []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	_, err = w.Write(content)
	if err2 := w.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

// storeTree writes the trees along parts with the last part set to blob and
// returns the hash of the new tree replacing tree. tree may be nil.
func (s *Store) storeTree(tree *object.Tree, parts []string, blob plumbing.Hash) (plumbing.Hash, error) {
	var entries []object.TreeEntry
	if tree != nil {
		entries = slices.Clone(tree.Entries)
	}
	name := parts[0]
	i := slices.IndexFunc(entries, func(e object.TreeEntry) bool { return e.Name == name })
	var entry object.TreeEntry
	if len(parts) == 1 {
		if i >= 0 && !entries[i].Mode.IsFile() {
			return plumbing.ZeroHash, errPathType
		}
		entry = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob}
	} else {
		var sub *object.Tree
		if i >= 0 {
			if entries[i].Mode != filemode.Dir {
				return plumbing.ZeroHash, errPathType
			}
			var err error
			if sub, err = s.repo.TreeObject(entries[i].Hash); err != nil {
				return plumbing.ZeroHash, fmt.Errorf("failed to get tree: %w", err)
			}
		}
		h, err := s.storeTree(sub, parts[1:], blob)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entry = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h}
	}
	if i >= 0 {
		entries[i] = entry
	} else {
		entries = append(entries, entry)
	}
	// git orders entries by name, directories compared as if suffixed by '/'.
	slices.SortFunc(entries, func(a, b object.TreeEntry) int {
		return strings.Compare(sortKey(a), sortKey(b))
	})
	return s.storeObject(&object.Tree{Entries: entries})
}

func sortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func (s *Store) storeObject(o interface {
	Encode(plumbing.EncodedObject) error
}) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	if err := o.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

// cleanPath normalizes p to a relative slash separated path inside the repository.
func cleanPath(p string) (string, error) {
	c := path.Clean("/" + p)
	if c == "/" || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", errInvalidPath, p)
	}
	return c[1:], nil
}

// Package store reads cached pages from the output directory. It never writes,
// locks or creates anything.
package store

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"

	"github.com/l0p7/pagecache/internal/pathguard"
	"github.com/l0p7/pagecache/internal/runtime/cachekey"
)

// Entry is what a lookup found. Content is opaque rendered output.
type Entry struct {
	Exists       bool
	LastModified time.Time
	Content      []byte
}

// Accessor resolves keys against one output directory.
type Accessor struct {
	fs    billy.Filesystem
	guard *pathguard.Guard
}

// New opens the output directory through a billy filesystem bound to root, so
// symlinks inside the store cannot lead outside it either.
func New(root string) (*Accessor, error) {
	guard, err := pathguard.New(root)
	if err != nil {
		return nil, err
	}
	return &Accessor{
		fs:    osfs.New(guard.Root(), osfs.WithBoundOS()),
		guard: guard,
	}, nil
}

// Root is the directory the accessor reads from.
func (a *Accessor) Root() string { return a.guard.Root() }

// Lookup returns the entry stored at key. A missing file is not an error. A key
// outside the output directory is rejected with CodeForbidden before the
// filesystem is touched; any other failure is CodeUnavailable.
func (a *Accessor) Lookup(ctx context.Context, key cachekey.Key) (Entry, error) {
	rel, err := a.guard.Rel(key.Path)
	if err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "store: lookup cancelled")
	}

	info, err := a.fs.Stat(rel)
	if err != nil {
		if absent(err) {
			return Entry{}, nil
		}
		return Entry{}, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "store: stat entry")
	}
	if info.IsDir() {
		return Entry{}, nil
	}

	content, err := util.ReadFile(a.fs, rel)
	if err != nil {
		if absent(err) {
			// Replaced or removed between stat and read.
			return Entry{}, nil
		}
		return Entry{}, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "store: read entry")
	}
	return Entry{
		Exists:       true,
		LastModified: info.ModTime(),
		Content:      content,
	}, nil
}

// absent reports errors meaning no entry lives at the key. ENOTDIR shows up when
// a parent segment of the key is itself a cached page.
func absent(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

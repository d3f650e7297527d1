// Package pathguard keeps filesystem lookups inside a configured directory.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
)

// ErrEscapes is the message carried by every containment failure.
const ErrEscapes = "path escapes root"

// Guard validates candidate paths against a root directory. The root does not
// need to exist; containment is decided lexically first and, for Resolve, again
// after symlink evaluation.
type Guard struct {
	root string
}

// New returns a guard rooted at the absolute, cleaned form of root.
func New(root string) (*Guard, error) {
	if strings.TrimSpace(root) == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "pathguard: root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "pathguard: resolve root")
	}
	return &Guard{root: filepath.Clean(abs)}, nil
}

// Root returns the cleaned absolute root.
func (g *Guard) Root() string { return g.root }

// Rel returns candidate relative to the root, using forward slashes. Relative
// candidates are interpreted against the root. A candidate equal to the root or
// outside it is rejected with CodeForbidden before any filesystem access.
func (g *Guard) Rel(candidate string) (string, error) {
	if g == nil {
		return "", errors.New("pathguard: guard is nil")
	}
	abs := candidate
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, abs)
	}
	abs = filepath.Clean(abs)
	if !contains(g.root, abs) || sameDir(g.root, abs) {
		return "", platformerrors.Newf(platformerrors.CodeForbidden, "pathguard: %s: %q", ErrEscapes, candidate)
	}
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeForbidden, "pathguard: %s: %q", ErrEscapes, candidate)
	}
	return filepath.ToSlash(rel), nil
}

// Contains reports whether candidate lies strictly inside the root.
func (g *Guard) Contains(candidate string) bool {
	_, err := g.Rel(candidate)
	return err == nil
}

// Resolve cleans path, follows symlinks and confirms the final location still
// sits under the (symlink-evaluated) root. Both relative and absolute paths are
// accepted.
func (g *Guard) Resolve(path string) (string, error) {
	if _, err := g.Rel(path); err != nil {
		return "", err
	}
	cleaned := path
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(g.root, cleaned)
	}
	cleaned = filepath.Clean(cleaned)

	root := g.root
	if evaluated, err := filepath.EvalSymlinks(root); err == nil {
		root = evaluated
	}
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", platformerrors.Wrapf(err, platformerrors.CodeNotFound, "pathguard: resolve %q", path)
		}
		return "", fmt.Errorf("pathguard: resolve %q: %w", path, err)
	}
	if !contains(root, evaluated) {
		return "", platformerrors.Newf(platformerrors.CodeForbidden, "pathguard: %s: %q", ErrEscapes, path)
	}
	return evaluated, nil
}

func contains(root, candidate string) bool {
	if runtime.GOOS == "windows" {
		root = strings.ToLower(root)
		candidate = strings.ToLower(candidate)
	}
	if root == candidate {
		return true
	}
	if !strings.HasSuffix(root, string(os.PathSeparator)) {
		root += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, root)
}

func sameDir(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// Package jail confines filesystem paths to a root directory.
package jail

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"shellgate/internal/domain"
)

// Jail resolves candidate paths against a fixed root. The zero value is not usable.
type Jail struct {
	root    string
	enforce bool
}

// New returns a Jail rooted at root. The root must exist and be a directory;
// it is resolved through symlinks once, here.
func New(root string) (*Jail, error) {
	return newJail(root, true)
}

// Unrestricted returns a Jail that normalises paths against root but never
// reports an escape. It backs policy.enforceRootJail=false.
func Unrestricted(root string) (*Jail, error) {
	return newJail(root, false)
}

func newJail(root string, enforce bool) (*Jail, error) {
	if root == "" {
		return nil, errors.New("jail root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve jail root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve jail root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat jail root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("jail root %s is not a directory", real)
	}
	return &Jail{root: real, enforce: enforce}, nil
}

// Root returns the resolved root directory.
func (j *Jail) Root() string { return j.root }

// Enforced reports whether escapes are rejected.
func (j *Jail) Enforced() bool { return j.enforce }

// Resolve turns candidate into an absolute, symlink-resolved path inside the
// root. Relative candidates are joined to cwd; an empty cwd means the root.
// Components are walked the way the kernel walks them: a symlink is followed
// before a later ".." is applied, so `link/../x` lands next to the link's
// target. Paths that leave the root fail with an error wrapping
// domain.ErrPathEscape. Non-existent tails are allowed so that targets like
// `mkdir new/dir` can be checked before they exist.
func (j *Jail) Resolve(candidate, cwd string) (string, error) {
	if strings.ContainsRune(candidate, 0) || strings.ContainsRune(cwd, 0) {
		return "", j.escape(candidate, "contains NUL byte")
	}
	// The home directory is never assumed to be inside the jail.
	if candidate == "~" || strings.HasPrefix(candidate, "~/") || strings.HasPrefix(candidate, `~\`) {
		if j.enforce {
			return "", j.escape(candidate, "home-relative path")
		}
		candidate = expandHome(candidate)
	}

	base := cwd
	if base == "" {
		base = j.root
	} else if !filepath.IsAbs(base) {
		base = j.root + string(filepath.Separator) + base
	}

	// no filepath.Join here: it would apply ".." lexically
	raw := candidate
	if !filepath.IsAbs(raw) {
		raw = base + string(filepath.Separator) + raw
	}

	real, err := physical(raw)
	if !j.enforce {
		if err != nil {
			return filepath.Clean(raw), nil
		}
		return real, nil
	}
	if err != nil {
		return "", j.escape(candidate, err.Error())
	}
	if !within(j.root, real) {
		if within(j.root, filepath.Clean(raw)) {
			return "", j.escape(candidate, "symlink leads outside root")
		}
		return "", j.escape(candidate, "outside root")
	}
	return real, nil
}

// Contains reports whether the absolute path is inside the root after symlink
// resolution. An unrestricted jail contains everything.
func (j *Jail) Contains(path string) bool {
	if !j.enforce {
		return true
	}
	if !filepath.IsAbs(path) {
		return false
	}
	_, err := j.Resolve(path, j.root)
	return err == nil
}

// Rel returns path relative to the root for display, or path unchanged when
// it is not under the root.
func (j *Jail) Rel(path string) string {
	rel, err := filepath.Rel(j.root, path)
	if err != nil || !within(j.root, path) {
		return path
	}
	if rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func (j *Jail) escape(candidate, why string) error {
	return fmt.Errorf("%w: %q (%s, root %s)", domain.ErrPathEscape, candidate, why, j.root)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// physical resolves an absolute path component by component from the
// filesystem root, following every symlink (dangling ones included) before
// the next component is applied. Missing components are kept lexically.
func physical(p string) (string, error) {
	return securejoin.SecureJoin(string(filepath.Separator), p)
}

func expandHome(candidate string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return candidate
	}
	if candidate == "~" {
		return home
	}
	return filepath.Join(home, candidate[2:])
}

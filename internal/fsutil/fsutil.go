// Package fsutil confines client-supplied paths to a single storage root.
//
// Root.Resolve is the only place in filedrop where an untrusted string becomes
// a filesystem path. Everything downstream takes a Resolved, which can only be
// obtained from a Root.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// Root is the storage root. It is immutable once created.
type Root struct {
	abs   string // absolute, cleaned
	canon string // abs with symlinks evaluated
}

// Resolved is a path proven to lie inside a Root.
type Resolved struct {
	abs string
	rel string
}

// NewRoot makes dir absolute, creates it if missing and records its
// canonical (symlink-free) form.
func NewRoot(dir string) (*Root, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir root: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", abs)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonical root: %w", err)
	}
	return &Root{abs: filepath.Clean(abs), canon: filepath.Clean(canon)}, nil
}

// Abs returns the absolute root directory.
func (r *Root) Abs() string { return r.abs }

// CleanRelPath normalizes a client path into slash form without a leading
// slash ("" means root). ok is false when the path escapes the root or is
// otherwise unusable; the path is never clamped.
func CleanRelPath(p string) (clean string, ok bool) {
	if strings.ContainsRune(p, 0) {
		return "", false
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if hasVolume(p) {
		return "", false
	}
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", true
	}
	p = path.Clean(p)
	if p == "." {
		return "", true
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

// hasVolume reports drive letters ("C:") and UNC prefixes, which would
// override the root on Windows.
func hasVolume(p string) bool {
	if strings.HasPrefix(p, "//") {
		return true
	}
	if len(p) >= 2 && p[1] == ':' {
		c := p[0] | 0x20
		return c >= 'a' && c <= 'z'
	}
	return false
}

// JoinRel joins a relative parent and a child in slash form.
func JoinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	if name == "" {
		return parent
	}
	return parent + "/" + name
}

// Resolve maps a client path onto the root. It fails with ErrInvalidPath when
// the path, lexically or through symlinks, would leave the root.
func (r *Root) Resolve(rel string) (Resolved, error) {
	clean, ok := CleanRelPath(rel)
	if !ok {
		return Resolved{}, NewError("resolve", rel, ErrInvalidPath, nil)
	}
	if clean == "" {
		return Resolved{abs: r.abs, rel: ""}, nil
	}
	abs := filepath.Join(r.abs, filepath.FromSlash(clean))
	if !within(r.abs, abs) {
		return Resolved{}, NewError("resolve", rel, ErrInvalidPath, nil)
	}
	canon, err := evalExisting(abs)
	if err != nil {
		return Resolved{}, NewError("resolve", clean, ErrInvalidPath, err)
	}
	if !within(r.canon, canon) {
		return Resolved{}, NewError("resolve", clean, ErrInvalidPath, errors.New("symlink escapes root"))
	}
	return Resolved{abs: abs, rel: clean}, nil
}

// ResolveLink maps rel onto the symlink entry it names without following
// the link. The parent folder must resolve inside the root and the last
// element must be a symlink; otherwise it fails with ErrInvalidPath.
func (r *Root) ResolveLink(rel string) (Resolved, error) {
	clean, ok := CleanRelPath(rel)
	if !ok || clean == "" {
		return Resolved{}, NewError("resolve", rel, ErrInvalidPath, nil)
	}
	dir, name := path.Split(clean)
	parent, err := r.Resolve(dir)
	if err != nil {
		return Resolved{}, err
	}
	abs := filepath.Join(parent.abs, name)
	st, err := os.Lstat(abs)
	if err != nil {
		return Resolved{}, Classify("resolve", clean, err, ErrInvalidPath)
	}
	if st.Mode()&fs.ModeSymlink == 0 {
		return Resolved{}, NewError("resolve", clean, ErrInvalidPath, errors.New("not a symlink"))
	}
	return Resolved{abs: abs, rel: JoinRel(parent.rel, name)}, nil
}

// Rel converts an absolute path found while walking below a resolved path
// back into slash form. ok is false when abs is not inside the root.
func (r *Root) Rel(abs string) (string, bool) {
	if !within(r.abs, abs) {
		return "", false
	}
	rel, err := filepath.Rel(r.abs, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		rel = ""
	}
	return rel, true
}

// Contains reports whether abs, after evaluating symlinks, is inside the
// root. Walkers use it before following a link they found on disk.
func (r *Root) Contains(abs string) bool {
	canon, err := evalExisting(abs)
	return err == nil && within(r.canon, canon)
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// appends the part that does not exist yet.
func evalExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				real = filepath.Join(real, tail[i])
			}
			return real, nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		// A dangling link: the entry exists but its target does not.
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", fmt.Errorf("dangling symlink %s", filepath.Base(cur))
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func within(root, p string) bool {
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// Abs returns the absolute filesystem path.
func (p Resolved) Abs() string { return p.abs }

// Rel returns the slash-separated path relative to the root ("" for root).
func (p Resolved) Rel() string { return p.rel }

// IsRoot reports whether p is the storage root itself.
func (p Resolved) IsRoot() bool { return p.rel == "" }

// Name is the last path element, or "" for the root.
func (p Resolved) Name() string {
	if p.rel == "" {
		return ""
	}
	return path.Base(p.rel)
}

// Package files lists, creates and deletes entries below the storage root.
package files

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"filedrop/internal/fsutil"
	"filedrop/internal/upload"
)

// Kind of a listed entry.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Entry is one listed file or folder.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Kind     Kind      `json:"type"`
	Size     *int64    `json:"size"` // nil for folders
	Modified time.Time `json:"modified"`
}

// Service performs directory reads and folder/delete mutations. All paths
// go through the root.
type Service struct {
	root *fsutil.Root
	log  *zap.Logger
}

func New(root *fsutil.Root, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{root: root, log: log}
}

// List returns the immediate children of rel in canonical order.
func (s *Service) List(ctx context.Context, rel string) ([]Entry, fsutil.Resolved, error) {
	dir, err := s.root.Resolve(rel)
	if err != nil {
		return nil, fsutil.Resolved{}, err
	}
	if err := StatDir("list", dir); err != nil {
		return nil, dir, err
	}
	ents, err := os.ReadDir(dir.Abs())
	if err != nil {
		return nil, dir, fsutil.Classify("list", dir.Rel(), err, fsutil.ErrIO)
	}

	items := make([]Entry, 0, len(ents))
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			return nil, dir, err
		}
		if upload.IsStaging(e.Name()) {
			continue
		}
		// os.Stat follows links so the entry shows what it points at. A
		// dangling link is listed as itself so it can be deleted. Entries
		// that vanished since ReadDir are skipped.
		child := filepath.Join(dir.Abs(), e.Name())
		info, err := os.Stat(child)
		if err != nil && e.Type()&fs.ModeSymlink != 0 && errors.Is(err, fs.ErrNotExist) {
			info, err = os.Lstat(child)
		} else if err == nil && e.Type()&fs.ModeSymlink != 0 && !s.root.Contains(child) {
			continue
		}
		if err != nil {
			s.log.Debug("skip unreadable entry", zap.String("path", fsutil.JoinRel(dir.Rel(), e.Name())), zap.Error(err))
			continue
		}
		items = append(items, entryFor(fsutil.JoinRel(dir.Rel(), e.Name()), info))
	}
	SortEntries(items)
	return items, dir, nil
}

func entryFor(rel string, info fs.FileInfo) Entry {
	e := Entry{
		Path:     rel,
		Kind:     KindFile,
		Modified: info.ModTime().UTC(),
	}
	if rel != "" {
		e.Name = path.Base(rel)
	}
	if info.IsDir() {
		e.Kind = KindFolder
		return e
	}
	size := info.Size()
	e.Size = &size
	return e
}

// SortEntries orders folders before files, then by case-folded name with a
// byte-wise tie-break so the order is total.
func SortEntries(items []Entry) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Kind != b.Kind {
			return a.Kind == KindFolder
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

// StatDir fails with ErrNotFound or ErrNotADirectory unless p is an existing
// directory.
func StatDir(op string, p fsutil.Resolved) error {
	st, err := os.Stat(p.Abs())
	if err != nil {
		return lookupErr(op, p, err, fsutil.ErrIO)
	}
	if !st.IsDir() {
		return fsutil.NewError(op, p.Rel(), fsutil.ErrNotADirectory, nil)
	}
	return nil
}

// CreateFolder creates name below parent, including missing intermediate
// folders when name contains slashes.
func (s *Service) CreateFolder(ctx context.Context, parent, name string) (fsutil.Resolved, error) {
	if strings.TrimSpace(name) == "" {
		return fsutil.Resolved{}, fsutil.NewError("mkdir", parent, fsutil.ErrMissingName, nil)
	}
	if _, err := s.root.Resolve(parent); err != nil {
		return fsutil.Resolved{}, err
	}
	target, err := s.root.Resolve(fsutil.JoinRel(parent, name))
	if err != nil {
		return fsutil.Resolved{}, err
	}
	// Check-then-create is not atomic; a concurrent creator simply wins.
	if _, err := os.Lstat(target.Abs()); err == nil {
		return target, fsutil.NewError("mkdir", target.Rel(), fsutil.ErrAlreadyExists, nil)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return target, fsutil.Classify("mkdir", target.Rel(), err, fsutil.ErrWriteFailure)
	}
	if err := os.MkdirAll(target.Abs(), 0o755); err != nil {
		return target, fsutil.Classify("mkdir", target.Rel(), err, fsutil.ErrWriteFailure)
	}
	s.log.Info("folder created", zap.String("path", target.Rel()))
	return target, nil
}

// Delete removes a file, or a folder with everything below it. There is no
// undo. The root itself cannot be deleted.
func (s *Service) Delete(ctx context.Context, rel string) error {
	p, err := s.root.Resolve(rel)
	if err != nil {
		if errors.Is(err, fsutil.ErrInvalidPath) {
			// Resolve refuses dangling and escaping links, but removing
			// the link itself never touches its target.
			if link, lerr := s.root.ResolveLink(rel); lerr == nil {
				return s.removeLink(link)
			}
		}
		return err
	}
	if p.IsRoot() {
		return fsutil.NewError("delete", "", fsutil.ErrInvalidPath, errors.New("refusing to delete storage root"))
	}
	st, err := os.Lstat(p.Abs())
	if err != nil {
		return lookupErr("delete", p, err, fsutil.ErrWriteFailure)
	}
	if st.IsDir() {
		err = os.RemoveAll(p.Abs())
	} else {
		err = os.Remove(p.Abs())
	}
	if err != nil {
		return fsutil.Classify("delete", p.Rel(), err, fsutil.ErrWriteFailure)
	}
	s.log.Info("deleted", zap.String("path", p.Rel()), zap.Bool("folder", st.IsDir()))
	return nil
}

func (s *Service) removeLink(link fsutil.Resolved) error {
	if err := os.Remove(link.Abs()); err != nil {
		return fsutil.Classify("delete", link.Rel(), err, fsutil.ErrWriteFailure)
	}
	s.log.Info("deleted", zap.String("path", link.Rel()), zap.Bool("symlink", true))
	return nil
}

// Rename moves from to to, creating missing parent folders of to. It never
// replaces an existing entry and refuses to move a folder into itself.
func (s *Service) Rename(ctx context.Context, from, to string) (fsutil.Resolved, error) {
	src, err := s.root.Resolve(from)
	if err != nil {
		return fsutil.Resolved{}, err
	}
	dst, err := s.root.Resolve(to)
	if err != nil {
		return fsutil.Resolved{}, err
	}
	if src.IsRoot() || dst.IsRoot() {
		return fsutil.Resolved{}, fsutil.NewError("rename", src.Rel(), fsutil.ErrInvalidPath, errors.New("cannot move the storage root"))
	}
	if dst.Rel() == src.Rel() || strings.HasPrefix(dst.Rel(), src.Rel()+"/") {
		return fsutil.Resolved{}, fsutil.NewError("rename", src.Rel(), fsutil.ErrInvalidPath, errors.New("destination is inside the source"))
	}
	if _, err := os.Lstat(src.Abs()); err != nil {
		return fsutil.Resolved{}, lookupErr("rename", src, err, fsutil.ErrWriteFailure)
	}
	if _, err := os.Lstat(dst.Abs()); err == nil {
		return dst, fsutil.NewError("rename", dst.Rel(), fsutil.ErrAlreadyExists, nil)
	}
	if err := os.MkdirAll(filepath.Dir(dst.Abs()), 0o755); err != nil {
		return dst, fsutil.Classify("rename", dst.Rel(), err, fsutil.ErrWriteFailure)
	}
	if err := os.Rename(src.Abs(), dst.Abs()); err != nil {
		return dst, fsutil.Classify("rename", dst.Rel(), err, fsutil.ErrWriteFailure)
	}
	s.log.Info("renamed", zap.String("from", src.Rel()), zap.String("to", dst.Rel()))
	return dst, nil
}

// Open opens a regular file for download. Folders fail with
// ErrIsADirectory.
func (s *Service) Open(ctx context.Context, rel string) (*os.File, fs.FileInfo, fsutil.Resolved, error) {
	p, err := s.root.Resolve(rel)
	if err != nil {
		return nil, nil, fsutil.Resolved{}, err
	}
	st, err := os.Stat(p.Abs())
	if err != nil {
		return nil, nil, p, lookupErr("open", p, err, fsutil.ErrIO)
	}
	if st.IsDir() {
		return nil, nil, p, fsutil.NewError("open", p.Rel(), fsutil.ErrIsADirectory, nil)
	}
	f, err := os.Open(p.Abs())
	if err != nil {
		return nil, nil, p, fsutil.Classify("open", p.Rel(), err, fsutil.ErrIO)
	}
	return f, st, p, nil
}

// Stat returns metadata for rel as an Entry.
func (s *Service) Stat(ctx context.Context, rel string) (Entry, fsutil.Resolved, error) {
	p, err := s.root.Resolve(rel)
	if err != nil {
		return Entry{}, fsutil.Resolved{}, err
	}
	st, err := os.Stat(p.Abs())
	if err != nil {
		return Entry{}, p, lookupErr("stat", p, err, fsutil.ErrIO)
	}
	return entryFor(p.Rel(), st), p, nil
}

// lookupErr classifies a failed stat. A path running through a regular file
// ("a.txt/b") does not exist rather than being "not a directory".
func lookupErr(op string, p fsutil.Resolved, err error, fallback error) error {
	if errors.Is(err, syscall.ENOTDIR) {
		return fsutil.NewError(op, p.Rel(), fsutil.ErrNotFound, err)
	}
	return fsutil.Classify(op, p.Rel(), err, fallback)
}

// Package upload stores uploaded file bodies below the storage root.
//
// A body is staged into a hidden temp file, hashed while it is copied and
// renamed onto its destination once complete. A failed, cancelled or
// oversized upload removes the staging file, so readers never see a
// partially written file at the destination path.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"filedrop/internal/fsutil"
)

// DefaultMaxBytes is the per-file ceiling when none is configured.
const DefaultMaxBytes int64 = 4 << 30

const stagePattern = ".filedrop-*.part"

// Descriptor describes one uploaded file. Subpath, when set, replaces
// Filename and may contain folders ("photos/2024/a.jpg"), which is how
// folder uploads keep their structure.
type Descriptor struct {
	Folder   string
	Filename string
	Subpath  string
	Body     io.Reader
}

// Stored is what Put wrote.
type Stored struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type Store struct {
	root     *fsutil.Root
	maxBytes int64
	log      *zap.Logger
}

// New returns a Store writing below root. maxBytes <= 0 selects
// DefaultMaxBytes.
func New(root *fsutil.Root, maxBytes int64, log *zap.Logger) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: root, maxBytes: maxBytes, log: log}
}

// MaxBytes is the per-file ceiling.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Destination returns the relative path d would be written to, without
// touching the filesystem.
func Destination(d Descriptor) string {
	name := d.Filename
	if strings.TrimSpace(d.Subpath) != "" {
		name = d.Subpath
	}
	return fsutil.JoinRel(d.Folder, name)
}

// target resolves and checks the destination of d.
func (s *Store) target(d Descriptor) (fsutil.Resolved, error) {
	if strings.TrimSpace(d.Filename) == "" && strings.TrimSpace(d.Subpath) == "" {
		return fsutil.Resolved{}, fsutil.NewError("upload", d.Folder, fsutil.ErrMissingName, nil)
	}
	rel := Destination(d)
	dst, err := s.root.Resolve(rel)
	if err != nil {
		return fsutil.Resolved{}, err
	}
	if dst.IsRoot() {
		return fsutil.Resolved{}, fsutil.NewError("upload", rel, fsutil.ErrInvalidPath, errors.New("destination is the storage root"))
	}
	return dst, checkNotDir(dst)
}

func checkNotDir(dst fsutil.Resolved) error {
	if st, err := os.Lstat(dst.Abs()); err == nil && st.IsDir() {
		return fsutil.NewError("upload", dst.Rel(), fsutil.ErrAlreadyExists, errors.New("a folder exists at the destination"))
	}
	return nil
}

// Put writes d.Body to its destination. An existing file there is replaced.
func (s *Store) Put(ctx context.Context, d Descriptor) (Stored, error) {
	dst, err := s.target(d)
	if err != nil {
		return Stored{}, err
	}
	dir := filepath.Dir(dst.Abs())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stored{}, fsutil.Classify("upload", dst.Rel(), err, fsutil.ErrWriteFailure)
	}
	st, err := s.stage(dir, dst.Rel())
	if err != nil {
		return Stored{}, err
	}
	defer st.Discard()
	if err := st.fill(ctx, d.Body); err != nil {
		return Stored{}, err
	}
	return st.Commit(dst)
}

// Stage copies body into a staging file at the top of the root. The result
// is placed later with Place, once its destination is known.
func (s *Store) Stage(ctx context.Context, body io.Reader) (*Staged, error) {
	st, err := s.stage(s.root.Abs(), "")
	if err != nil {
		return nil, err
	}
	if err := st.fill(ctx, body); err != nil {
		st.Discard()
		return nil, err
	}
	return st, nil
}

// Place moves a staged body to the destination described by d; d.Body is
// ignored. st is consumed either way.
func (s *Store) Place(st *Staged, d Descriptor) (Stored, error) {
	defer st.Discard()
	dst, err := s.target(d)
	if err != nil {
		return Stored{}, err
	}
	return st.Commit(dst)
}

// Begin starts a staged write whose destination is already known. The
// staging file sits next to dst, whose parent folder must exist.
func (s *Store) Begin(dst fsutil.Resolved) (*Staged, error) {
	if dst.IsRoot() {
		return nil, fsutil.NewError("upload", "", fsutil.ErrInvalidPath, errors.New("destination is the storage root"))
	}
	if err := checkNotDir(dst); err != nil {
		return nil, err
	}
	return s.stage(filepath.Dir(dst.Abs()), dst.Rel())
}

func (s *Store) stage(dir, rel string) (*Staged, error) {
	f, err := os.CreateTemp(dir, stagePattern)
	if err != nil {
		return nil, fsutil.Classify("upload", rel, err, fsutil.ErrWriteFailure)
	}
	return &Staged{store: s, file: f, hash: sha256.New()}, nil
}

// Staged is a body written to a staging file that has not reached its
// destination yet. Writes beyond the store's ceiling fail with ErrTooLarge.
type Staged struct {
	store *Store
	file  *os.File
	hash  hash.Hash
	size  int64
	done  bool
}

func (st *Staged) Write(p []byte) (int, error) {
	if st.size+int64(len(p)) > st.store.maxBytes {
		return 0, fmt.Errorf("%w: more than %d bytes", fsutil.ErrTooLarge, st.store.maxBytes)
	}
	n, err := st.file.Write(p)
	st.size += int64(n)
	_, _ = st.hash.Write(p[:n])
	return n, err
}

// Size is the number of bytes written so far.
func (st *Staged) Size() int64 { return st.size }

// Stat describes the staging file.
func (st *Staged) Stat() (fs.FileInfo, error) { return st.file.Stat() }

// fill streams src into the staging file, checking ctx between reads.
func (st *Staged) fill(ctx context.Context, src io.Reader) error {
	if src == nil {
		return fsutil.NewError("upload", "", fsutil.ErrWriteFailure, errors.New("no body"))
	}
	_, err := copyCtx(ctx, st, src)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fsutil.ErrTooLarge):
		st.store.log.Warn("upload rejected", zap.Int64("limit", st.store.maxBytes))
		return fsutil.NewError("upload", "", fsutil.ErrTooLarge, err)
	case ctx.Err() != nil:
		return fsutil.NewError("upload", "", fsutil.ErrWriteFailure, ctx.Err())
	}
	return fsutil.NewError("upload", "", fsutil.ErrWriteFailure, err)
}

// Commit syncs the staging file and renames it onto dst, creating dst's
// parent folders.
func (st *Staged) Commit(dst fsutil.Resolved) (Stored, error) {
	if st.done {
		return Stored{}, fsutil.NewError("upload", dst.Rel(), fsutil.ErrWriteFailure, errors.New("already finished"))
	}
	if err := checkNotDir(dst); err != nil {
		return Stored{}, err
	}
	fail := func(err error) (Stored, error) {
		return Stored{}, fsutil.Classify("upload", dst.Rel(), err, fsutil.ErrWriteFailure)
	}
	if err := st.file.Sync(); err != nil {
		return fail(err)
	}
	if err := st.file.Close(); err != nil {
		return fail(err)
	}
	// CreateTemp uses 0600.
	if err := os.Chmod(st.file.Name(), 0o644); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst.Abs()), 0o755); err != nil {
		return fail(err)
	}
	err := os.Rename(st.file.Name(), dst.Abs())
	if errors.Is(err, syscall.EXDEV) {
		err = st.relocate(dst)
	}
	if err != nil {
		_ = os.Remove(st.file.Name())
		st.done = true
		return fail(err)
	}
	st.done = true

	out := Stored{Name: dst.Name(), Size: st.size, Path: dst.Rel(), SHA256: hex.EncodeToString(st.hash.Sum(nil))}
	st.store.log.Info("file stored", zap.String("path", out.Path), zap.Int64("size", out.Size), zap.String("sha256", out.SHA256))
	return out, nil
}

// relocate copies the staging file next to dst when the rename crosses
// filesystems, then renames the copy into place.
func (st *Staged) relocate(dst fsutil.Resolved) error {
	src, err := os.Open(st.file.Name())
	if err != nil {
		return err
	}
	defer src.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst.Abs()), stagePattern)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst.Abs()); err != nil {
		return err
	}
	return os.Remove(st.file.Name())
}

// Discard drops the staging file. It does nothing after Commit.
func (st *Staged) Discard() {
	if st.done {
		return
	}
	st.done = true
	_ = st.file.Close()
	_ = os.Remove(st.file.Name())
}

// copyCtx copies src into dst in 1 MiB steps and stops once ctx is done.
func copyCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var n int64
	buf := make([]byte, 1024*1024)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rn, rerr := src.Read(buf)
		if rn > 0 {
			wn, err := dst.Write(buf[:rn])
			n += int64(wn)
			if err != nil {
				return n, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

// IsStaging reports whether name is an in-progress upload. Listings and
// archives may use it to hide staging files.
func IsStaging(name string) bool {
	ok, _ := filepath.Match(stagePattern, name)
	return ok
}

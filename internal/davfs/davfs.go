// Package davfs exposes the storage root as a WebDAV file system. Every
// name the WebDAV handler passes in goes through fsutil.Root.Resolve, so
// the DAV view has the same confinement as the JSON API.
package davfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"filedrop/internal/fsutil"
	"filedrop/internal/upload"
)

// FS implements webdav.FileSystem over a fsutil.Root. Writes go through
// the upload store: they are staged, capped at its ceiling and renamed into
// place on Close.
type FS struct {
	root    *fsutil.Root
	uploads *upload.Store
	log     *zap.Logger
}

var _ webdav.FileSystem = (*FS)(nil)

func New(root *fsutil.Root, uploads *upload.Store, log *zap.Logger) *FS {
	if log == nil {
		log = zap.NewNop()
	}
	return &FS{root: root, uploads: uploads, log: log}
}

// Handler returns an http.Handler serving fsys below prefix. PUT bodies
// announced above the upload ceiling are refused up front, and a PUT whose
// body breaks off is never committed.
func Handler(prefix string, fsys *FS) http.Handler {
	dav := &webdav.Handler{
		Prefix:     prefix,
		FileSystem: fsys,
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				fsys.log.Debug("webdav", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			}
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			if r.ContentLength > fsys.uploads.MaxBytes() {
				http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
				return
			}
			body := &trackedBody{ReadCloser: r.Body}
			r.Body = body
			r = r.WithContext(context.WithValue(r.Context(), bodyKey{}, body))
			w = &putWriter{ResponseWriter: w, body: body}
		}
		dav.ServeHTTP(w, r)
	})
}

// putWriter reports 413 for a PUT that ran past the upload ceiling; the
// webdav package itself answers 405 for any failed copy.
type putWriter struct {
	http.ResponseWriter
	body *trackedBody
}

func (w *putWriter) WriteHeader(code int) {
	if w.body.tooLarge && code >= http.StatusBadRequest {
		code = http.StatusRequestEntityTooLarge
	}
	w.ResponseWriter.WriteHeader(code)
}

type bodyKey struct{}

// trackedBody remembers the first read error of a request body and whether
// the write it fed hit the upload ceiling.
type trackedBody struct {
	io.ReadCloser
	err      error
	tooLarge bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && b.err == nil {
		b.err = err
	}
	return n, err
}

func (f *FS) resolve(name string) (fsutil.Resolved, error) {
	p, err := f.root.Resolve(name)
	if err != nil {
		// The webdav handler turns permission errors into 403.
		return fsutil.Resolved{}, &fs.PathError{Op: "resolve", Path: name, Err: fs.ErrPermission}
	}
	return p, nil
}

func (f *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.resolve(name)
	if err != nil {
		return err
	}
	return os.Mkdir(p.Abs(), perm)
}

func (f *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	if upload.IsStaging(p.Name()) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return f.openWrite(ctx, name, p, flag)
	}
	file, err := os.OpenFile(p.Abs(), flag, perm)
	if err != nil {
		return nil, err
	}
	return &davFile{File: file, root: f.root}, nil
}

// openWrite stages a whole-file write to p. Only truncating writes are
// supported, which is what PUT, COPY and LOCK issue.
func (f *FS) openWrite(ctx context.Context, name string, p fsutil.Resolved, flag int) (webdav.File, error) {
	if flag&os.O_TRUNC == 0 {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	if _, err := os.Lstat(p.Abs()); err != nil && flag&os.O_CREATE == 0 {
		return nil, err
	}
	st, err := f.uploads.Begin(p)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		case errors.Is(err, fsutil.ErrAlreadyExists):
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
		}
		return nil, err
	}
	return &stagedFile{ctx: ctx, name: p.Name(), dst: p, staged: st, log: f.log}, nil
}

func (f *FS) RemoveAll(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.resolve(name)
	if err != nil {
		return err
	}
	if p.IsRoot() {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
	}
	if _, err := os.Lstat(p.Abs()); err != nil {
		return err
	}
	f.log.Info("webdav delete", zap.String("path", p.Rel()))
	return os.RemoveAll(p.Abs())
}

func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := f.resolve(oldName)
	if err != nil {
		return err
	}
	dst, err := f.resolve(newName)
	if err != nil {
		return err
	}
	if src.IsRoot() || dst.IsRoot() {
		return &fs.PathError{Op: "rename", Path: oldName, Err: fs.ErrPermission}
	}
	return os.Rename(src.Abs(), dst.Abs())
}

func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p.Abs())
}

// stagedFile is a webdav.File being written. Close commits the staged
// bytes unless a write failed, the request body broke off or the request
// was cancelled.
type stagedFile struct {
	ctx    context.Context
	name   string
	dst    fsutil.Resolved
	staged *upload.Staged
	log    *zap.Logger
	err    error
}

func (s *stagedFile) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.staged.Write(p)
	if err != nil {
		s.err = err
		if b, ok := s.ctx.Value(bodyKey{}).(*trackedBody); ok && errors.Is(err, fsutil.ErrTooLarge) {
			b.tooLarge = true
		}
	}
	return n, err
}

func (s *stagedFile) Close() error {
	err := s.err
	if err == nil {
		err = s.ctx.Err()
	}
	if b, ok := s.ctx.Value(bodyKey{}).(*trackedBody); ok && err == nil {
		err = b.err
	}
	if err != nil {
		s.staged.Discard()
		s.log.Info("webdav write dropped", zap.String("path", s.dst.Rel()), zap.Error(err))
		return err
	}
	out, err := s.staged.Commit(s.dst)
	if err != nil {
		return err
	}
	s.log.Info("webdav write", zap.String("path", out.Path), zap.Int64("size", out.Size))
	return nil
}

func (s *stagedFile) Stat() (fs.FileInfo, error) {
	fi, err := s.staged.Stat()
	if err != nil {
		return nil, err
	}
	return namedInfo{FileInfo: fi, name: s.name}, nil
}

func (s *stagedFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: s.name, Err: fs.ErrInvalid}
}

func (s *stagedFile) Seek(offset int64, whence int) (int64, error) {
	// Only the position queries the webdav package makes are answered.
	if offset == 0 && (whence == io.SeekCurrent || whence == io.SeekEnd) {
		return s.staged.Size(), nil
	}
	return 0, &fs.PathError{Op: "seek", Path: s.name, Err: fs.ErrInvalid}
}

func (s *stagedFile) Readdir(int) ([]fs.FileInfo, error) {
	return nil, &fs.PathError{Op: "readdir", Path: s.name, Err: fs.ErrInvalid}
}

// namedInfo reports the destination name instead of the staging name.
type namedInfo struct {
	fs.FileInfo
	name string
}

func (n namedInfo) Name() string { return n.name }

// davFile hides staging files and links leaving the root from listings.
type davFile struct {
	*os.File
	root *fsutil.Root
}

func (d *davFile) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := d.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		if upload.IsStaging(fi.Name()) {
			continue
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			target := filepath.Join(d.File.Name(), fi.Name())
			if !d.root.Contains(target) {
				continue
			}
			if st, serr := os.Stat(target); serr == nil {
				fi = st
			}
		}
		out = append(out, fi)
	}
	return out, err
}

package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"filedrop/internal/fsutil"
)

// Session is a resumable upload. Chunks are appended in order until Offset
// reaches Size, then Finish places the file like a single-shot upload.
type Session struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"` // -1 while unknown
	Offset  int64     `json:"offset"`
	Created time.Time `json:"created"`
}

type sessionEntry struct {
	mu   sync.Mutex
	s    Session
	gone bool // finished or cancelled while a caller waited on mu
}

// Sessions keeps resumable uploads in <stateDir>/uploads as <id>.part with
// the received bytes and <id>.json with the session state, so they survive
// a restart.
type Sessions struct {
	store *Store
	dir   string
	log   *zap.Logger

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// NewSessions opens the session directory below stateDir and loads the
// sessions left there.
func NewSessions(store *Store, stateDir string, log *zap.Logger) (*Sessions, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &Sessions{store: store, dir: dir, log: log, entries: map[string]*sessionEntry{}}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Sessions) load() error {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if json.Unmarshal(b, &s) != nil || s.ID == "" {
			continue
		}
		// The part file is the source of truth for how much arrived.
		st, err := os.Stat(m.partPath(s.ID))
		if err != nil {
			m.log.Warn("dropping upload session without data", zap.String("id", s.ID))
			m.remove(s.ID)
			continue
		}
		s.Offset = st.Size()
		m.entries[s.ID] = &sessionEntry{s: s}
	}
	return nil
}

func (m *Sessions) partPath(id string) string  { return filepath.Join(m.dir, id+".part") }
func (m *Sessions) statePath(id string) string { return filepath.Join(m.dir, id+".json") }

// Create starts a session for rel. size < 0 means the total is not known
// yet; it is then taken from the first chunk that declares it.
func (m *Sessions) Create(ctx context.Context, rel string, size int64) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	dst, err := m.store.target(Descriptor{Subpath: rel})
	if err != nil {
		return Session{}, err
	}
	if size > m.store.maxBytes {
		return Session{}, fsutil.NewError("upload", dst.Rel(), fsutil.ErrTooLarge, fmt.Errorf("%d bytes announced", size))
	}
	if size < 0 {
		size = -1
	}
	s := Session{ID: uuid.NewString(), Path: dst.Rel(), Size: size, Created: time.Now().UTC()}
	f, err := os.OpenFile(m.partPath(s.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Session{}, fsutil.NewError("upload", dst.Rel(), fsutil.ErrWriteFailure, err)
	}
	_ = f.Close()
	if err := m.save(s); err != nil {
		m.remove(s.ID)
		return Session{}, fsutil.NewError("upload", dst.Rel(), fsutil.ErrWriteFailure, err)
	}

	m.mu.Lock()
	m.entries[s.ID] = &sessionEntry{s: s}
	m.mu.Unlock()
	m.log.Info("upload session created", zap.String("id", s.ID), zap.String("path", s.Path), zap.Int64("size", size))
	return s, nil
}

// lock returns the session entry for id with its mutex held.
func (m *Sessions) lock(id string) (*sessionEntry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if ok {
		e.mu.Lock()
		if !e.gone {
			return e, nil
		}
		e.mu.Unlock()
	}
	return nil, fsutil.NewError("upload", "", fsutil.ErrNotFound, fmt.Errorf("no session %q", id))
}

// Get returns the current state of a session.
func (m *Sessions) Get(id string) (Session, error) {
	e, err := m.lock(id)
	if err != nil {
		return Session{}, err
	}
	defer e.mu.Unlock()
	return e.s, nil
}

// Append writes body at offset, which must equal the session's current
// offset. total, when >= 0, fixes the session size. Bytes that arrived
// before body failed are kept, so the client can resume from the returned
// offset.
func (m *Sessions) Append(ctx context.Context, id string, offset, total int64, body io.Reader) (Session, error) {
	e, err := m.lock(id)
	if err != nil {
		return Session{}, err
	}
	defer e.mu.Unlock()
	s := e.s

	if offset != s.Offset {
		return s, fsutil.NewError("upload", s.Path, fsutil.ErrConflict, fmt.Errorf("offset %d, session is at %d", offset, s.Offset))
	}
	if total >= 0 {
		switch {
		case s.Size < 0:
			if total > m.store.maxBytes {
				return s, fsutil.NewError("upload", s.Path, fsutil.ErrTooLarge, fmt.Errorf("%d bytes announced", total))
			}
			s.Size = total
		case s.Size != total:
			return s, fsutil.NewError("upload", s.Path, fsutil.ErrConflict, fmt.Errorf("size %d, session has %d", total, s.Size))
		}
	}
	limit := m.store.maxBytes
	if s.Size >= 0 {
		limit = s.Size
	}

	f, err := os.OpenFile(m.partPath(id), os.O_WRONLY, 0)
	if err != nil {
		return s, fsutil.NewError("upload", s.Path, fsutil.ErrWriteFailure, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return s, fsutil.NewError("upload", s.Path, fsutil.ErrWriteFailure, err)
	}
	n, cerr := copyCtx(ctx, &cappedWriter{w: f, left: limit - offset}, body)
	if errors.Is(cerr, fsutil.ErrTooLarge) {
		_ = f.Truncate(offset)
		return s, fsutil.NewError("upload", s.Path, fsutil.ErrTooLarge, cerr)
	}
	if err := f.Sync(); err != nil {
		return s, fsutil.NewError("upload", s.Path, fsutil.ErrWriteFailure, err)
	}
	s.Offset += n
	if err := m.save(s); err != nil {
		return s, fsutil.NewError("upload", s.Path, fsutil.ErrWriteFailure, err)
	}
	e.s = s
	if cerr != nil {
		return s, fsutil.NewError("upload", s.Path, fsutil.ErrWriteFailure, cerr)
	}
	return s, nil
}

// Finish places a complete session at its destination and forgets it.
func (m *Sessions) Finish(ctx context.Context, id string) (Stored, error) {
	e, err := m.lock(id)
	if err != nil {
		return Stored{}, err
	}
	defer e.mu.Unlock()
	s := e.s
	if s.Size >= 0 && s.Offset != s.Size {
		return Stored{}, fsutil.NewError("upload", s.Path, fsutil.ErrConflict, fmt.Errorf("incomplete: %d of %d bytes", s.Offset, s.Size))
	}

	part, err := os.Open(m.partPath(id))
	if err != nil {
		return Stored{}, fsutil.NewError("upload", s.Path, fsutil.ErrWriteFailure, err)
	}
	defer part.Close()
	out, err := m.store.Put(ctx, Descriptor{Subpath: s.Path, Body: part})
	if err != nil {
		return Stored{}, err
	}
	m.forget(id)
	return out, nil
}

// Cancel drops a session and the bytes it received.
func (m *Sessions) Cancel(id string) error {
	e, err := m.lock(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	m.forget(id)
	m.log.Info("upload session cancelled", zap.String("id", id), zap.String("path", e.s.Path))
	return nil
}

func (m *Sessions) forget(id string) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.gone = true
	}
	delete(m.entries, id)
	m.mu.Unlock()
	m.remove(id)
}

func (m *Sessions) remove(id string) {
	_ = os.Remove(m.partPath(id))
	_ = os.Remove(m.statePath(id))
}

func (m *Sessions) save(s Session) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.statePath(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.statePath(s.ID))
}

// cappedWriter fails with ErrTooLarge instead of writing past left bytes.
type cappedWriter struct {
	w    io.Writer
	left int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > c.left {
		return 0, fmt.Errorf("%w: chunk runs past the end of the upload", fsutil.ErrTooLarge)
	}
	n, err := c.w.Write(p)
	c.left -= int64(n)
	return n, err
}

// ParseContentRange parses "bytes <start>-<end>/<total>" where total may be
// "*". It returns total -1 for "*".
func ParseContentRange(v string) (start, end, total int64, err error) {
	v = strings.TrimSpace(v)
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, 0, errors.New("expected Content-Range: bytes start-end/total")
	}
	rng, tot, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, errors.New("invalid Content-Range")
	}
	s, e, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, errors.New("invalid Content-Range range")
	}
	if start, err = strconv.ParseInt(s, 10, 64); err != nil || start < 0 {
		return 0, 0, 0, errors.New("invalid Content-Range start")
	}
	if end, err = strconv.ParseInt(e, 10, 64); err != nil || end < start {
		return 0, 0, 0, errors.New("invalid Content-Range end")
	}
	if tot == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(tot, 10, 64); err != nil || total <= 0 || end >= total {
		return 0, 0, 0, errors.New("invalid Content-Range total")
	}
	return start, end, total, nil
}

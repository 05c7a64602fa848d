package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/internal/fsutil"
)

func newStore(t *testing.T, max int64) (*Store, string) {
	t.Helper()
	root, err := fsutil.NewRoot(t.TempDir())
	require.NoError(t, err)
	return New(root, max, nil), root.Abs()
}

// leftovers returns every staging file below dir.
func leftovers(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if IsStaging(d.Name()) {
			out = append(out, p)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPutStoresExactBytes(t *testing.T) {
	s, base := newStore(t, 0)
	payload := bytes.Repeat([]byte("filedrop\x00\xff"), 300_000)

	got, err := s.Put(context.Background(), Descriptor{Folder: "docs", Filename: "blob.bin", Body: bytes.NewReader(payload)})
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	assert.Equal(t, Stored{Name: "blob.bin", Size: int64(len(payload)), Path: "docs/blob.bin", SHA256: hex.EncodeToString(sum[:])}, got)

	onDisk, err := os.ReadFile(filepath.Join(base, "docs", "blob.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, onDisk))
	assert.Empty(t, leftovers(t, base))
}

func TestPutEmptyFile(t *testing.T) {
	s, base := newStore(t, 0)

	got, err := s.Put(context.Background(), Descriptor{Filename: "empty", Body: strings.NewReader("")})
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Size)

	st, err := os.Stat(filepath.Join(base, "empty"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())
}

func TestPutSubpathCreatesFolders(t *testing.T) {
	s, base := newStore(t, 0)

	got, err := s.Put(context.Background(), Descriptor{
		Folder:   "uploads",
		Filename: "a.jpg",
		Subpath:  "photos/2024/a.jpg",
		Body:     strings.NewReader("jpg"),
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/photos/2024/a.jpg", got.Path)

	b, err := os.ReadFile(filepath.Join(base, "uploads", "photos", "2024", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpg", string(b))
}

func TestPutOverwrites(t *testing.T) {
	s, base := newStore(t, 0)
	ctx := context.Background()

	_, err := s.Put(ctx, Descriptor{Filename: "f.txt", Body: strings.NewReader("first version")})
	require.NoError(t, err)
	_, err = s.Put(ctx, Descriptor{Filename: "f.txt", Body: strings.NewReader("second")})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(base, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))
}

func TestPutTooLargeLeavesNothing(t *testing.T) {
	s, base := newStore(t, 10)

	_, err := s.Put(context.Background(), Descriptor{Folder: "x", Filename: "big.bin", Body: strings.NewReader(strings.Repeat("a", 11))})
	require.Error(t, err)
	assert.ErrorIs(t, err, fsutil.ErrTooLarge)

	_, statErr := os.Stat(filepath.Join(base, "x", "big.bin"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, leftovers(t, base))

	// Exactly at the limit is fine.
	_, err = s.Put(context.Background(), Descriptor{Folder: "x", Filename: "ok.bin", Body: strings.NewReader(strings.Repeat("a", 10))})
	assert.NoError(t, err)
}

type failingReader struct{ after int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.after <= 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), r.after)
	for i := range p[:n] {
		p[i] = 'x'
	}
	r.after -= n
	return n, nil
}

func TestPutBrokenBodyLeavesNoPartialFile(t *testing.T) {
	s, base := newStore(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(base, "keep.txt"), []byte("old"), 0o644))

	_, err := s.Put(context.Background(), Descriptor{Filename: "keep.txt", Body: &failingReader{after: 5000}})
	assert.ErrorIs(t, err, fsutil.ErrWriteFailure)

	b, err := os.ReadFile(filepath.Join(base, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
	assert.Empty(t, leftovers(t, base))
}

func TestPutCancelled(t *testing.T) {
	s, base := newStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, Descriptor{Filename: "late.txt", Body: strings.NewReader("data")})
	assert.ErrorIs(t, err, fsutil.ErrWriteFailure)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(filepath.Join(base, "late.txt"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, leftovers(t, base))
}

func TestPutRejectsBadDestinations(t *testing.T) {
	s, base := newStore(t, 0)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "dir"), 0o755))
	ctx := context.Background()

	tests := []struct {
		name string
		d    Descriptor
		want error
	}{
		{"dotdot filename", Descriptor{Filename: "../escape.txt"}, fsutil.ErrInvalidPath},
		{"dotdot folder", Descriptor{Folder: "../../etc", Filename: "passwd"}, fsutil.ErrInvalidPath},
		{"dotdot subpath", Descriptor{Filename: "a", Subpath: "x/../../../a"}, fsutil.ErrInvalidPath},
		{"no name", Descriptor{Folder: "docs"}, fsutil.ErrMissingName},
		{"folder in the way", Descriptor{Filename: "dir"}, fsutil.ErrAlreadyExists},
		{"collapses to root", Descriptor{Folder: "a", Filename: ".."}, fsutil.ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.d.Body = strings.NewReader("x")
			_, err := s.Put(ctx, tt.d)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := os.Stat(filepath.Join(filepath.Dir(base), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDestination(t *testing.T) {
	assert.Equal(t, "a.txt", Destination(Descriptor{Filename: "a.txt"}))
	assert.Equal(t, "docs/a.txt", Destination(Descriptor{Folder: "docs", Filename: "a.txt"}))
	assert.Equal(t, "docs/x/a.txt", Destination(Descriptor{Folder: "docs", Filename: "a.txt", Subpath: "x/a.txt"}))
}

func TestIsStaging(t *testing.T) {
	assert.True(t, IsStaging(".filedrop-123456.part"))
	assert.False(t, IsStaging("report.part"))
	assert.False(t, IsStaging("filedrop-1.part"))
}

func TestStageThenPlace(t *testing.T) {
	s, base := newStore(t, 0)
	ctx := context.Background()

	st, err := s.Stage(ctx, strings.NewReader("staged body"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), st.Size())
	assert.Len(t, leftovers(t, base), 1)

	// The destination is only decided now.
	got, err := s.Place(st, Descriptor{Folder: "later", Filename: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "later/a.txt", got.Path)
	sum := sha256.Sum256([]byte("staged body"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got.SHA256)

	b, err := os.ReadFile(filepath.Join(base, "later", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "staged body", string(b))
	assert.Empty(t, leftovers(t, base))
}

func TestPlaceBadDestinationDiscards(t *testing.T) {
	s, base := newStore(t, 0)

	st, err := s.Stage(context.Background(), strings.NewReader("x"))
	require.NoError(t, err)
	_, err = s.Place(st, Descriptor{Folder: "../..", Filename: "a.txt"})
	assert.ErrorIs(t, err, fsutil.ErrInvalidPath)
	assert.Empty(t, leftovers(t, base))
}

func TestStageTooLarge(t *testing.T) {
	s, base := newStore(t, 4)

	_, err := s.Stage(context.Background(), strings.NewReader("too long"))
	assert.ErrorIs(t, err, fsutil.ErrTooLarge)
	assert.Empty(t, leftovers(t, base))
}

func TestBeginWriteCommit(t *testing.T) {
	s, base := newStore(t, 8)
	require.NoError(t, os.WriteFile(filepath.Join(base, "f.txt"), []byte("old"), 0o644))
	dst, err := s.root.Resolve("f.txt")
	require.NoError(t, err)

	st, err := s.Begin(dst)
	require.NoError(t, err)
	_, err = st.Write([]byte("new"))
	require.NoError(t, err)

	// Nothing changes at the destination before Commit.
	b, _ := os.ReadFile(filepath.Join(base, "f.txt"))
	assert.Equal(t, "old", string(b))

	_, err = st.Write([]byte("overflowing"))
	assert.ErrorIs(t, err, fsutil.ErrTooLarge)

	got, err := st.Commit(dst)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Size)
	b, _ = os.ReadFile(filepath.Join(base, "f.txt"))
	assert.Equal(t, "new", string(b))
	assert.Empty(t, leftovers(t, base))

	st, err = s.Begin(dst)
	require.NoError(t, err)
	_, _ = st.Write([]byte("dropped"))
	st.Discard()
	b, _ = os.ReadFile(filepath.Join(base, "f.txt"))
	assert.Equal(t, "new", string(b))
	assert.Empty(t, leftovers(t, base))
}

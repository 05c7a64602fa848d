package files

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/internal/fsutil"
)

func setup(t *testing.T) (*Service, string) {
	t.Helper()
	root, err := fsutil.NewRoot(t.TempDir())
	require.NoError(t, err)
	return New(root, nil), root.Abs()
}

func writeFile(t *testing.T, base, rel, content string) {
	t.Helper()
	p := filepath.Join(base, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func names(items []Entry) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

func TestListSortsFoldersFirst(t *testing.T) {
	svc, base := setup(t)
	ctx := context.Background()

	writeFile(t, base, "b.txt", "bb")
	writeFile(t, base, "A.txt", "a")
	writeFile(t, base, "c.txt", "")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "zeta"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "Alpha"), 0o755))

	items, dir, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.True(t, dir.IsRoot())
	assert.Equal(t, []string{"Alpha", "zeta", "A.txt", "b.txt", "c.txt"}, names(items))

	assert.Equal(t, KindFolder, items[0].Kind)
	assert.Nil(t, items[0].Size)
	require.NotNil(t, items[3].Size)
	assert.Equal(t, int64(2), *items[3].Size)
	assert.Equal(t, "b.txt", items[3].Path)
}

func TestListSortingLaw(t *testing.T) {
	svc, base := setup(t)
	for _, n := range []string{"b", "B", "a", "_x", "10", "9", "Zed", "zed"} {
		writeFile(t, base, "d/"+n+".f", "")
		require.NoError(t, os.MkdirAll(filepath.Join(base, "d", n+"-dir"), 0o755))
	}

	items, _, err := svc.List(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, items, 16)

	seenFile := false
	for i, it := range items {
		if it.Kind == KindFile {
			seenFile = true
		} else {
			assert.False(t, seenFile, "folder %s after a file", it.Name)
		}
		if i > 0 && items[i-1].Kind == it.Kind {
			prev := items[i-1]
			less := func(a, b Entry) bool {
				s := []Entry{b, a}
				SortEntries(s)
				return s[0].Name == a.Name
			}
			assert.True(t, less(prev, it), "%s before %s", prev.Name, it.Name)
		}
	}
}

func TestListIsIdempotent(t *testing.T) {
	svc, base := setup(t)
	writeFile(t, base, "x/1.txt", "1")
	writeFile(t, base, "x/2.txt", "2")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "x", "sub"), 0o755))

	first, _, err := svc.List(context.Background(), "x")
	require.NoError(t, err)
	second, _, err := svc.List(context.Background(), "/x/")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "x/sub", first[0].Path)
}

func TestListErrors(t *testing.T) {
	svc, base := setup(t)
	writeFile(t, base, "file.txt", "x")
	ctx := context.Background()

	_, _, err := svc.List(ctx, "missing")
	assert.ErrorIs(t, err, fsutil.ErrNotFound)

	_, _, err = svc.List(ctx, "file.txt")
	assert.ErrorIs(t, err, fsutil.ErrNotADirectory)

	_, _, err = svc.List(ctx, "file.txt/below")
	assert.ErrorIs(t, err, fsutil.ErrNotFound)

	_, _, err = svc.List(ctx, "../../etc")
	assert.ErrorIs(t, err, fsutil.ErrInvalidPath)
}

func TestListSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	svc, base := setup(t)
	writeFile(t, base, "inside.txt", "in")
	require.NoError(t, os.Symlink(t.TempDir(), filepath.Join(base, "out")))
	require.NoError(t, os.Symlink(filepath.Join(base, "inside.txt"), filepath.Join(base, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(base, "gone"), filepath.Join(base, "dangling")))

	items, _, err := svc.List(context.Background(), "")
	require.NoError(t, err)
	// Escaping links are hidden; a dangling one is shown so it can be removed.
	assert.Equal(t, []string{"dangling", "inside.txt", "link.txt"}, names(items))
	assert.Equal(t, KindFile, items[0].Kind)
}

func TestDeleteRemovesLinksNotTargets(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	svc, base := setup(t)
	ctx := context.Background()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o600))
	writeFile(t, base, "d/keep.txt", "k")
	require.NoError(t, os.Symlink(filepath.Join(base, "gone"), filepath.Join(base, "d", "dangling")))
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "out")))

	require.NoError(t, svc.Delete(ctx, "d/dangling"))
	_, err := os.Lstat(filepath.Join(base, "d", "dangling"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, svc.Delete(ctx, "out"))
	_, err = os.Lstat(filepath.Join(base, "out"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(outside, "secret"))
	assert.NoError(t, err, "link target must survive")

	// Paths below an escaping link stay out of reach.
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "out2")))
	assert.ErrorIs(t, svc.Delete(ctx, "out2/secret"), fsutil.ErrInvalidPath)
	_, err = os.Stat(filepath.Join(outside, "secret"))
	assert.NoError(t, err)

	items, _, err := svc.List(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, names(items))
}

func TestCreateFolderRoundTrip(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	p, err := svc.CreateFolder(ctx, "", "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", p.Rel())

	items, _, err := svc.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "docs", items[0].Name)
	assert.Equal(t, KindFolder, items[0].Kind)

	_, err = svc.CreateFolder(ctx, "", "docs")
	assert.ErrorIs(t, err, fsutil.ErrAlreadyExists)

	require.NoError(t, svc.Delete(ctx, "docs"))
	items, _, err = svc.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateFolderNested(t *testing.T) {
	svc, base := setup(t)
	ctx := context.Background()

	p, err := svc.CreateFolder(ctx, "a", "b/c")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c", p.Rel())
	st, err := os.Stat(filepath.Join(base, "a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestCreateFolderErrors(t *testing.T) {
	svc, base := setup(t)
	writeFile(t, base, "taken", "x")
	ctx := context.Background()

	_, err := svc.CreateFolder(ctx, "", "  ")
	assert.ErrorIs(t, err, fsutil.ErrMissingName)

	_, err = svc.CreateFolder(ctx, "", "taken")
	assert.ErrorIs(t, err, fsutil.ErrAlreadyExists)

	_, err = svc.CreateFolder(ctx, "", "../../evil")
	assert.ErrorIs(t, err, fsutil.ErrInvalidPath)

	_, err = svc.CreateFolder(ctx, "../x", "ok")
	assert.ErrorIs(t, err, fsutil.ErrInvalidPath)

	// ".." collapses back onto the root, which exists.
	_, err = svc.CreateFolder(ctx, "a", "..")
	assert.ErrorIs(t, err, fsutil.ErrAlreadyExists)

	_, err = os.Stat(filepath.Join(filepath.Dir(base), "evil"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteFolderRecursively(t *testing.T) {
	svc, base := setup(t)
	ctx := context.Background()
	writeFile(t, base, "proj/a.txt", "a")
	writeFile(t, base, "proj/sub/b.txt", "b")
	writeFile(t, base, "proj/sub/deeper/c.txt", "c")
	writeFile(t, base, "keep.txt", "k")

	require.NoError(t, svc.Delete(ctx, "proj"))

	_, err := os.Stat(filepath.Join(base, "proj"))
	assert.True(t, os.IsNotExist(err))
	items, _, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, names(items))
}

func TestDeleteFileAndErrors(t *testing.T) {
	svc, base := setup(t)
	ctx := context.Background()
	writeFile(t, base, "f.txt", "x")

	require.NoError(t, svc.Delete(ctx, "f.txt"))
	assert.ErrorIs(t, svc.Delete(ctx, "f.txt"), fsutil.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "nope/deeper"), fsutil.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, ""), fsutil.ErrInvalidPath)
	assert.ErrorIs(t, svc.Delete(ctx, "/"), fsutil.ErrInvalidPath)
	assert.ErrorIs(t, svc.Delete(ctx, "../"+filepath.Base(base)), fsutil.ErrInvalidPath)

	_, err := os.Stat(base)
	assert.NoError(t, err)
}

func TestOpen(t *testing.T) {
	svc, base := setup(t)
	ctx := context.Background()
	writeFile(t, base, "d/f.bin", "payload")

	f, st, p, err := svc.Open(ctx, "d/f.bin")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(7), st.Size())
	assert.Equal(t, "f.bin", p.Name())

	_, _, _, err = svc.Open(ctx, "d")
	assert.ErrorIs(t, err, fsutil.ErrIsADirectory)

	_, _, _, err = svc.Open(ctx, "d/missing")
	assert.ErrorIs(t, err, fsutil.ErrNotFound)
}

func TestStat(t *testing.T) {
	svc, base := setup(t)
	writeFile(t, base, "d/f.bin", "abc")

	e, _, err := svc.Stat(context.Background(), "d/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "f.bin", e.Name)
	assert.Equal(t, KindFile, e.Kind)

	e, _, err = svc.Stat(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, KindFolder, e.Kind)
}

func TestRename(t *testing.T) {
	svc, base := setup(t)
	ctx := context.Background()
	writeFile(t, base, "a/x.txt", "x")
	writeFile(t, base, "b.txt", "b")

	p, err := svc.Rename(ctx, "a/x.txt", "moved/y.txt")
	require.NoError(t, err)
	assert.Equal(t, "moved/y.txt", p.Rel())
	b, err := os.ReadFile(filepath.Join(base, "moved", "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	_, err = svc.Rename(ctx, "b.txt", "moved/y.txt")
	assert.ErrorIs(t, err, fsutil.ErrAlreadyExists)

	_, err = svc.Rename(ctx, "a", "a/inner")
	assert.ErrorIs(t, err, fsutil.ErrInvalidPath)

	_, err = svc.Rename(ctx, "", "elsewhere")
	assert.ErrorIs(t, err, fsutil.ErrInvalidPath)

	_, err = svc.Rename(ctx, "b.txt", "../b.txt")
	assert.ErrorIs(t, err, fsutil.ErrInvalidPath)

	_, err = svc.Rename(ctx, "nope", "other")
	assert.ErrorIs(t, err, fsutil.ErrNotFound)
}

func TestListHidesStagingFiles(t *testing.T) {
	svc, base := setup(t)
	writeFile(t, base, ".filedrop-42.part", "partial")
	writeFile(t, base, "done.txt", "d")

	items, _, err := svc.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"done.txt"}, names(items))
}

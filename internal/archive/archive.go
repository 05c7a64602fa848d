// Package archive streams folders and path sets as a single archive.
//
// Entries are written straight into the destination writer as they are read
// from disk; nothing is buffered to a temp file. When streaming fails part
// way the archive is left unfinished (no ZIP central directory, no tar
// trailer) so the receiver sees a broken archive instead of a short one.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"filedrop/internal/fsutil"
	"filedrop/internal/upload"
)

// Plan is a validated set of top-level archive members. Building a plan
// checks that every member exists, so callers can report NotFound before
// the first byte goes out.
type Plan struct {
	members []member
}

type member struct {
	abs  string
	name string // "" puts the folder's contents at the archive root
	info fs.FileInfo
}

// PlanFolder plans an archive of dir's contents. Entries sit at the archive
// root, without dir's own name as a prefix.
func PlanFolder(dir fsutil.Resolved) (*Plan, error) {
	st, err := os.Stat(dir.Abs())
	if err != nil {
		return nil, statErr(dir, err)
	}
	if !st.IsDir() {
		return nil, fsutil.NewError("archive", dir.Rel(), fsutil.ErrNotADirectory, nil)
	}
	return &Plan{members: []member{{abs: dir.Abs(), info: st}}}, nil
}

// PlanPaths plans an archive holding each path under its own name. Folders
// are added recursively. Colliding names get a " (n)" suffix.
func PlanPaths(paths []fsutil.Resolved) (*Plan, error) {
	if len(paths) == 0 {
		return nil, fsutil.NewError("archive", "", fsutil.ErrMissingName, errors.New("no paths"))
	}
	used := map[string]bool{}
	p := &Plan{}
	for _, rp := range paths {
		st, err := os.Stat(rp.Abs())
		if err != nil {
			return nil, statErr(rp, err)
		}
		name := rp.Name()
		if name == "" {
			name = "files"
		}
		p.members = append(p.members, member{abs: rp.Abs(), name: uniqueName(used, name), info: st})
	}
	return p, nil
}

// StreamFolder writes dir's contents to w as a ZIP archive.
func StreamFolder(ctx context.Context, w io.Writer, dir fsutil.Resolved) error {
	p, err := PlanFolder(dir)
	if err != nil {
		return err
	}
	return p.Stream(ctx, w, FormatZip)
}

// StreamPaths writes paths to w as a ZIP archive.
func StreamPaths(ctx context.Context, w io.Writer, paths []fsutil.Resolved) error {
	p, err := PlanPaths(paths)
	if err != nil {
		return err
	}
	return p.Stream(ctx, w, FormatZip)
}

// Stream writes the planned members to w in format f.
func (p *Plan) Stream(ctx context.Context, w io.Writer, f Format) error {
	snk, err := newSink(w, f)
	if err != nil {
		return err
	}
	for _, m := range p.members {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.info.IsDir() {
			err = addTree(ctx, snk, m.abs, m.name)
		} else {
			err = addFile(ctx, snk, m.abs, m.name, m.info)
		}
		if err != nil {
			return err
		}
	}
	if err := snk.close(); err != nil {
		return fsutil.NewError("archive", "", fsutil.ErrIO, err)
	}
	return nil
}

type node struct {
	rel  string // below the walked folder, slash form
	dir  bool
	info fs.FileInfo
}

// addTree walks base depth-first in name order using an explicit stack.
// Symlinks and special files are skipped; empty folders get an entry of
// their own.
func addTree(ctx context.Context, snk sink, base, prefix string) error {
	stack := []node{{dir: true}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		abs := filepath.Join(base, filepath.FromSlash(n.rel))
		name := joinName(prefix, n.rel)

		if !n.dir {
			if err := addFile(ctx, snk, abs, name, n.info); err != nil {
				return err
			}
			continue
		}

		ents, err := os.ReadDir(abs)
		if err != nil {
			return fsutil.Classify("archive", name, err, fsutil.ErrIO)
		}
		children := make([]node, 0, len(ents))
		for _, e := range ents {
			if !e.Type().IsDir() && !e.Type().IsRegular() {
				continue
			}
			if upload.IsStaging(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// Vanished since ReadDir.
				continue
			}
			children = append(children, node{rel: path.Join(n.rel, e.Name()), dir: e.IsDir(), info: info})
		}
		if len(children) == 0 && name != "" {
			info := n.info
			if info == nil {
				if info, err = os.Stat(abs); err != nil {
					return fsutil.Classify("archive", name, err, fsutil.ErrIO)
				}
			}
			if err := snk.dir(name+"/", info); err != nil {
				return fsutil.NewError("archive", name, fsutil.ErrIO, err)
			}
			continue
		}
		// os.ReadDir sorts by name; push in reverse so the first pops first.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return nil
}

func addFile(ctx context.Context, snk sink, abs, name string, info fs.FileInfo) error {
	f, err := os.Open(abs)
	if err != nil {
		return fsutil.Classify("archive", name, err, fsutil.ErrIO)
	}
	defer f.Close()

	wr, err := snk.file(name, info)
	if err != nil {
		return fsutil.NewError("archive", name, fsutil.ErrIO, err)
	}
	if _, err := snk.copy(wr, &ctxReader{ctx: ctx, r: f}, info.Size()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fsutil.NewError("archive", name, fsutil.ErrIO, err)
	}
	return nil
}

// ctxReader fails reads once ctx is done, so a cancelled download stops
// within one buffer.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func joinName(prefix, rel string) string {
	switch {
	case prefix == "":
		return rel
	case rel == "":
		return prefix
	}
	return prefix + "/" + rel
}

func uniqueName(used map[string]bool, base string) string {
	base = SanitizeName(base)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := base
	for i := 1; used[name]; i++ {
		name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	used[name] = true
	return name
}

// SanitizeName makes a single archive or download name safe to embed in a
// header or an archive entry.
func SanitizeName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func statErr(p fsutil.Resolved, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return fsutil.NewError("archive", p.Rel(), fsutil.ErrNotFound, err)
	}
	return fsutil.Classify("archive", p.Rel(), err, fsutil.ErrIO)
}

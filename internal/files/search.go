package files

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"filedrop/internal/fsutil"
	"filedrop/internal/upload"
)

// MaxSearchHits bounds a single search.
const MaxSearchHits = 500

var errStopWalk = errors.New("stop walk")

// Search walks everything below rel and returns entries whose path relative
// to rel contains query (case-insensitive). A query with glob metacharacters
// is matched as a doublestar pattern instead: against the name when it has
// no slash, against the relative path otherwise. Symlinks are not followed.
func (s *Service) Search(ctx context.Context, rel, query string) ([]Entry, bool, error) {
	base, err := s.root.Resolve(rel)
	if err != nil {
		return nil, false, err
	}
	if err := StatDir("search", base); err != nil {
		return nil, false, err
	}
	match := matcher(query)

	var (
		mu        sync.Mutex
		hits      []Entry
		truncated bool
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, base.Abs(), func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil
		}
		if p == base.Abs() || d.Type()&fs.ModeSymlink != 0 || upload.IsStaging(d.Name()) {
			return nil
		}
		full, ok := s.root.Rel(p)
		if !ok {
			return nil
		}
		below := strings.TrimPrefix(strings.TrimPrefix(full, base.Rel()), "/")
		if !match(below) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		if len(hits) >= MaxSearchHits {
			truncated = true
			return errStopWalk
		}
		hits = append(hits, entryFor(full, info))
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, fsutil.Classify("search", base.Rel(), err, fsutil.ErrIO)
	}

	// fastwalk visits in parallel; give callers a stable order.
	sort.Slice(hits, func(i, j int) bool {
		a, b := strings.ToLower(hits[i].Path), strings.ToLower(hits[j].Path)
		if a != b {
			return a < b
		}
		return hits[i].Path < hits[j].Path
	})
	s.log.Debug("search", zap.String("path", base.Rel()), zap.String("q", query), zap.Int("hits", len(hits)))
	return hits, truncated, nil
}

func matcher(query string) func(rel string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return func(string) bool { return false }
	}
	if strings.ContainsAny(q, "*?[{") && doublestar.ValidatePattern(q) {
		byName := !strings.Contains(q, "/")
		return func(rel string) bool {
			target := strings.ToLower(rel)
			if byName {
				target = path.Base(target)
			}
			ok, _ := doublestar.Match(q, target)
			return ok
		}
	}
	return func(rel string) bool {
		return strings.Contains(strings.ToLower(rel), q)
	}
}

package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	// decoders
	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"filedrop/internal/fsutil"
)

const (
	defaultThumbSize = 256
	maxThumbSize     = 1024
	// Sources above this many pixels are not decoded.
	maxThumbSourcePixels = 64 << 20
)

var thumbTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

var errNotAnImage = errors.New("not a supported image")

type thumbCache struct {
	dir string
}

// key changes whenever the source is modified, so stale entries are never
// served; they are simply left behind.
func (t *thumbCache) key(rel string, info os.FileInfo, size int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d", rel, info.ModTime().UnixNano(), info.Size(), size)
	return hex.EncodeToString(h.Sum(nil)) + ".jpg"
}

func (t *thumbCache) get(name string) ([]byte, bool) {
	b, err := os.ReadFile(filepath.Join(t.dir, name))
	return b, err == nil
}

func (t *thumbCache) put(name string, b []byte) error {
	tmp, err := os.CreateTemp(t.dir, "thumb-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(t.dir, name))
}

func (s *Server) handleThumb(c *gin.Context) {
	size := defaultThumbSize
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 16 || n > maxThumbSize {
			badRequest(c, "Invalid thumbnail size")
			return
		}
		size = n
	}

	f, info, p, err := s.files.Open(c.Request.Context(), c.Param("path"))
	if err != nil {
		s.fail(c, err, map[error]reply{
			fsutil.ErrNotFound:     {http.StatusNotFound, "File not found"},
			fsutil.ErrIsADirectory: {http.StatusNotFound, "File not found"},
		}, nil)
		return
	}
	defer f.Close()

	key := s.thumbs.key(p.Rel(), info, size)
	if b, ok := s.thumbs.get(key); ok {
		s.writeThumb(c, b)
		return
	}

	b, err := makeThumb(f, size)
	if err != nil {
		if errors.Is(err, errNotAnImage) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "No thumbnail for this file"})
			return
		}
		s.fail(c, fsutil.NewError("thumbnail", p.Rel(), fsutil.ErrIO, err), nil, nil)
		return
	}
	if err := s.thumbs.put(key, b); err != nil {
		s.log.Warn("thumbnail cache write failed", zap.String("path", p.Rel()), zap.Error(err))
	}
	s.writeThumb(c, b)
}

func (s *Server) writeThumb(c *gin.Context, b []byte) {
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, "image/jpeg", b)
}

// thumbSourceOK reports whether a w x h source may be decoded. The product
// is taken in int64 so it cannot wrap on 32-bit platforms.
func thumbSourceOK(w, h int) bool {
	return w > 0 && h > 0 && int64(w)*int64(h) <= maxThumbSourcePixels
}

// makeThumb scales the image in r so that its longer side is at most limit
// pixels and encodes it as JPEG.
func makeThumb(r io.ReadSeeker, limit int) ([]byte, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, err
	}
	if !mimetype.EqualsAny(mt.String(), thumbTypes...) {
		return nil, errNotAnImage
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil, errNotAnImage
	}
	if !thumbSourceOK(cfg.Width, cfg.Height) {
		return nil, errNotAnImage
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(r)
	if err != nil {
		return nil, errNotAnImage
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	nw, nh := w, h
	if w > h {
		if w > limit {
			nw = limit
			nh = int(float64(h) * (float64(limit) / float64(w)))
		}
	} else {
		if h > limit {
			nh = limit
			nw = int(float64(w) * (float64(limit) / float64(h)))
		}
	}
	nw, nh = max(nw, 1), max(nh, 1)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

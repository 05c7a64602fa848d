package archive

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format selects the archive container.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

// ParseFormat accepts "zip" (also the empty string), "tar.gz"/"tgz" and
// "tar.zst"/"tzst".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return FormatZip, nil
	case "tar.gz", "tgz":
		return FormatTarGz, nil
	case "tar.zst", "tzst":
		return FormatTarZst, nil
	}
	return "", fmt.Errorf("unsupported archive format %q", s)
}

// Ext is the file extension including the leading dot.
func (f Format) Ext() string { return "." + string(f) }

func (f Format) ContentType() string {
	switch f {
	case FormatTarGz:
		return "application/gzip"
	case FormatTarZst:
		return "application/zstd"
	default:
		return "application/zip"
	}
}

type sink interface {
	dir(name string, info fs.FileInfo) error
	file(name string, info fs.FileInfo) (io.Writer, error)
	copy(dst io.Writer, src io.Reader, size int64) (int64, error)
	close() error
}

func newSink(w io.Writer, f Format) (sink, error) {
	switch f {
	case FormatZip, "":
		zw := zip.NewWriter(w)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestCompression)
		})
		return &zipSink{zw: zw}, nil
	case FormatTarGz:
		gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		return &tarSink{tw: tar.NewWriter(gz), comp: gz}, nil
	case FormatTarZst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, err
		}
		return &tarSink{tw: tar.NewWriter(zw), comp: zw}, nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", string(f))
}

type zipSink struct {
	zw *zip.Writer
}

func (z *zipSink) dir(name string, info fs.FileInfo) error {
	h, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	h.Name = name
	h.Method = zip.Store
	_, err = z.zw.CreateHeader(h)
	return err
}

func (z *zipSink) file(name string, info fs.FileInfo) (io.Writer, error) {
	h, err := zip.FileInfoHeader(info)
	if err != nil {
		return nil, err
	}
	h.Name = name
	h.Method = zip.Deflate
	return z.zw.CreateHeader(h)
}

func (z *zipSink) copy(dst io.Writer, src io.Reader, _ int64) (int64, error) {
	return io.Copy(dst, src)
}

func (z *zipSink) close() error { return z.zw.Close() }

type tarSink struct {
	tw   *tar.Writer
	comp io.WriteCloser
}

func (t *tarSink) header(name string, info fs.FileInfo) (*tar.Header, error) {
	h, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return nil, err
	}
	h.Name = name
	h.Uname, h.Gname = "", ""
	return h, nil
}

func (t *tarSink) dir(name string, info fs.FileInfo) error {
	h, err := t.header(name, info)
	if err != nil {
		return err
	}
	return t.tw.WriteHeader(h)
}

func (t *tarSink) file(name string, info fs.FileInfo) (io.Writer, error) {
	h, err := t.header(name, info)
	if err != nil {
		return nil, err
	}
	if err := t.tw.WriteHeader(h); err != nil {
		return nil, err
	}
	return t.tw, nil
}

// copy writes exactly size bytes; tar headers carry the size up front, so
// a file that shrank while streaming is an error.
func (t *tarSink) copy(dst io.Writer, src io.Reader, size int64) (int64, error) {
	return io.CopyN(dst, src, size)
}

func (t *tarSink) close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	return t.comp.Close()
}

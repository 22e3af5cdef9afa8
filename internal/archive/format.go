package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Format is an archive container format.
type Format int

const (
	FormatTar Format = iota + 1
	FormatTarGz
	FormatZip
)

// ParseFormat accepts the query values "tar", "tar_gz" and "zip".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "tar":
		return FormatTar, nil
	case "tar_gz", "tgz":
		return FormatTarGz, nil
	case "zip":
		return FormatZip, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar_gz"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// Ext is the file name extension, including the leading dot.
func (f Format) Ext() string {
	switch f {
	case FormatTar:
		return ".tar"
	case FormatTarGz:
		return ".tar.gz"
	case FormatZip:
		return ".zip"
	default:
		return ""
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatTar:
		return "application/x-tar"
	case FormatTarGz:
		return "application/gzip"
	case FormatZip:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// entryWriter is the per-format half of the encoder. Names are already
// archive-relative, slash separated, with a trailing slash for directories.
type entryWriter interface {
	dir(name string, info fs.FileInfo) error
	// file starts a file entry whose content length is info.Size().
	file(name string, info fs.FileInfo) (io.Writer, error)
	// endFile finishes the current file after written content bytes.
	endFile(written int64) error
	Close() error
}

func newEntryWriter(f Format, w io.Writer) (entryWriter, error) {
	switch f {
	case FormatTar:
		return &tarWriter{tw: tar.NewWriter(w)}, nil
	case FormatTarGz:
		gz := gzip.NewWriter(w)
		return &tarWriter{tw: tar.NewWriter(gz), gz: gz}, nil
	case FormatZip:
		return &zipWriter{zw: zip.NewWriter(w)}, nil
	default:
		return nil, ErrUnknownFormat
	}
}

type tarWriter struct {
	tw   *tar.Writer
	gz   *gzip.Writer
	size int64
}

func (t *tarWriter) dir(name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Uname, hdr.Gname = "", ""
	return t.tw.WriteHeader(hdr)
}

func (t *tarWriter) file(name string, info fs.FileInfo) (io.Writer, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return nil, err
	}
	hdr.Name = name
	hdr.Uname, hdr.Gname = "", ""
	if err := t.tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	t.size = hdr.Size
	return t.tw, nil
}

// endFile pads a short file with zeros: the header already promised
// t.size bytes and the archive must stay readable.
func (t *tarWriter) endFile(written int64) error {
	var zeros [4096]byte
	for rem := t.size - written; rem > 0; {
		n := int64(len(zeros))
		if rem < n {
			n = rem
		}
		if _, err := t.tw.Write(zeros[:n]); err != nil {
			return err
		}
		rem -= n
	}
	return nil
}

func (t *tarWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	if t.gz != nil {
		return t.gz.Close()
	}
	return nil
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) dir(name string, info fs.FileInfo) error {
	h := &zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: info.ModTime(),
	}
	h.SetMode(info.Mode())
	_, err := z.zw.CreateHeader(h)
	return err
}

func (z *zipWriter) file(name string, info fs.FileInfo) (io.Writer, error) {
	h := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	h.SetMode(info.Mode())
	return z.zw.CreateHeader(h)
}

func (z *zipWriter) endFile(int64) error { return nil }

func (z *zipWriter) Close() error { return z.zw.Close() }

// Package archive streams a directory subtree as a tar, tar.gz or zip
// archive without holding the tree or any whole file in memory.
package archive

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"treeserve/internal/fsutil"
)

var (
	ErrUnknownFormat = errors.New("unknown archive format")
	ErrNotDirectory  = errors.New("not a directory")
)

// DefaultChunkSize bounds each read of file content.
const DefaultChunkSize = 32 << 10

// Stats describes what went into an archive. Skipped counts nodes left out
// because they vanished, became unreadable or resolved outside the root, and
// files that were cut short while being read. Filtered counts nodes a Filter
// refused.
type Stats struct {
	Files    int
	Dirs     int
	Skipped  int
	Filtered int
	Bytes    int64
}

// Filter decides per node whether it goes into an archive. rel is the path
// below the archived directory, realPath its symlink-resolved location. Refusing
// a directory leaves out its whole subtree.
type Filter func(rel []string, realPath string, isDir bool) bool

// Encoder writes archives of resolved directories. The zero value is not
// usable; Resolver is required.
type Encoder struct {
	Resolver *fsutil.Resolver
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int
	// SkipHidden leaves dot-files and dot-directories out.
	SkipHidden bool
	Logger     *zap.Logger

	bufs sync.Pool
}

// node is one walk result that passed the containment re-check.
type node struct {
	name string // archive path; directories end in "/"
	real string
	info fs.FileInfo
}

// Encode writes an archive of dir to w. Encoding starts as soon as the first
// entry is found; a descendant that cannot be read or escapes the root is
// skipped and the archive is still finalized. Only failures to write to w
// and cancellation of ctx abort the archive.
func (e *Encoder) Encode(ctx context.Context, w io.Writer, dir *fsutil.Resolved, f Format) (Stats, error) {
	return e.EncodeFiltered(ctx, w, dir, f, nil)
}

// EncodeFiltered is Encode with every node passed through allow first. A nil
// allow admits everything.
func (e *Encoder) EncodeFiltered(ctx context.Context, w io.Writer, dir *fsutil.Resolved, f Format, allow Filter) (Stats, error) {
	var st Stats
	if dir.Kind != fsutil.KindDirectory {
		return st, ErrNotDirectory
	}
	ew, err := newEntryWriter(f, w)
	if err != nil {
		return st, err
	}
	buf := e.getBuf()
	defer e.bufs.Put(buf)

	for n := range e.walk(ctx, dir, allow, &st) {
		if n.info.IsDir() {
			if err := ew.dir(n.name, n.info); err != nil {
				return st, err
			}
			st.Dirs++
			continue
		}
		if err := e.addFile(ctx, ew, n, *buf, &st); err != nil {
			return st, err
		}
	}
	if err := ctx.Err(); err != nil {
		return st, err
	}
	return st, ew.Close()
}

// Reader returns the archive as a lazily produced stream. Bytes are only
// generated as the caller reads; closing the reader early stops the walk and
// releases any open files.
func (e *Encoder) Reader(ctx context.Context, dir *fsutil.Resolved, f Format) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		_, err := e.EncodeFiltered(ctx, pw, dir, f, nil)
		pw.CloseWithError(err)
	}()
	return &streamReader{PipeReader: pr, cancel: cancel}
}

type streamReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *streamReader) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

func (e *Encoder) addFile(ctx context.Context, ew entryWriter, n node, buf []byte, st *Stats) error {
	log := e.logger()
	f, err := os.Open(n.real)
	if err != nil {
		st.Skipped++
		log.Debug("archive: open failed, skipping", zap.String("entry", n.name), zap.Error(err))
		return nil
	}
	defer f.Close()

	// The size written into the header comes from the open handle.
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		st.Skipped++
		log.Debug("archive: stat failed, skipping", zap.String("entry", n.name), zap.Error(err))
		return nil
	}

	w, err := ew.file(n.name, info)
	if err != nil {
		return err
	}
	written, readErr, err := copyChunks(ctx, w, io.LimitReader(f, info.Size()), buf)
	if err != nil {
		return err
	}
	if err := ew.endFile(written); err != nil {
		return err
	}
	if readErr != nil || written < info.Size() {
		st.Skipped++
		log.Debug("archive: file cut short",
			zap.String("entry", n.name),
			zap.Int64("want", info.Size()),
			zap.Int64("got", written),
			zap.Error(readErr),
		)
		return nil
	}
	st.Files++
	st.Bytes += written
	return nil
}

// copyChunks copies src to dst one buffer at a time. readErr is a failure of
// src (recoverable: the entry is abandoned); err is a failure of dst or ctx.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (written int64, readErr, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return written, nil, err
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, nil, ew
			}
			if nw != nr {
				return written, nil, io.ErrShortWrite
			}
		}
		if er == io.EOF {
			return written, nil, nil
		}
		if er != nil {
			return written, er, nil
		}
	}
}

// walk yields the subtree depth first. Each directory's names are read and
// its handle closed before any child is visited, so open descriptors never
// pile up with depth. Every child is re-checked against the root when it is
// reached.
func (e *Encoder) walk(ctx context.Context, dir *fsutil.Resolved, allow Filter, st *Stats) iter.Seq[node] {
	return func(yield func(node) bool) {
		w := walker{Encoder: e, ctx: ctx, allow: allow, st: st, yield: yield}
		w.dir(dir.Real, nil, []string{dir.Real})
	}
}

// walker carries the per-archive state of one walk.
type walker struct {
	*Encoder
	ctx   context.Context
	allow Filter
	st    *Stats
	yield func(node) bool
}

// dir visits realDir, whose path below the archived directory is relSegs.
func (w *walker) dir(realDir string, relSegs, ancestors []string) bool {
	ctx, st, yield := w.ctx, w.st, w.yield
	prefix := ""
	if len(relSegs) > 0 {
		prefix = strings.Join(relSegs, "/") + "/"
	}
	log := w.logger()
	names, err := readNames(realDir)
	if err != nil {
		st.Skipped++
		log.Debug("archive: readdir failed, skipping", zap.String("dir", prefix), zap.Error(err))
		return true
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return false
		}
		if w.SkipHidden && fsutil.IsHidden(name) {
			continue
		}
		rel := prefix + name
		realPath, info, err := w.Resolver.Check(filepath.Join(realDir, name))
		if err != nil {
			st.Skipped++
			log.Debug("archive: entry rejected", zap.String("entry", rel), zap.Error(err))
			continue
		}
		segs := append(relSegs[:len(relSegs):len(relSegs)], name)
		if w.allow != nil && (info.IsDir() || info.Mode().IsRegular()) && !w.allow(segs, realPath, info.IsDir()) {
			st.Filtered++
			log.Debug("archive: entry filtered", zap.String("entry", rel))
			continue
		}
		switch {
		case info.IsDir():
			if slices.Contains(ancestors, realPath) {
				st.Skipped++
				log.Debug("archive: symlink loop", zap.String("entry", rel))
				continue
			}
			if !yield(node{name: rel + "/", real: realPath, info: info}) {
				return false
			}
			if !w.dir(realPath, segs, append(ancestors, realPath)) {
				return false
			}
		case info.Mode().IsRegular():
			if !yield(node{name: rel, real: realPath, info: info}) {
				return false
			}
		default:
			st.Skipped++
		}
	}
	return true
}

func readNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (e *Encoder) getBuf() *[]byte {
	if b, ok := e.bufs.Get().(*[]byte); ok && len(*b) == e.chunkSize() {
		return b
	}
	b := make([]byte, e.chunkSize())
	return &b
}

func (e *Encoder) chunkSize() int {
	if e.ChunkSize > 0 {
		return e.ChunkSize
	}
	return DefaultChunkSize
}

func (e *Encoder) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

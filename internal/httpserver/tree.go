package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"treeserve/internal/archive"
	"treeserve/internal/auth"
	"treeserve/internal/fsutil"
	"treeserve/internal/links"
	"treeserve/internal/listing"
	"treeserve/internal/logging"
	"treeserve/internal/metrics"
)

// resolveRequest decodes, normalizes, authorizes and resolves an escaped
// tree path. On failure the response has been written.
func (s *Server) resolveRequest(w http.ResponseWriter, r *http.Request, rest string) (decoded []string, res *fsutil.Resolved, ok bool) {
	raw := links.Split(rest)
	decoded = make([]string, len(raw))
	for i, seg := range raw {
		d, err := links.DecodeSegment(seg)
		if err != nil {
			s.writeError(w, r, &fsutil.PathError{Op: "decode", Path: rest, Err: fsutil.ErrForbidden})
			return nil, nil, false
		}
		decoded[i] = d
	}
	segs, err := fsutil.NormalizeSegments(decoded)
	if err != nil {
		s.writeError(w, r, err)
		return nil, nil, false
	}
	if !s.cfg.ShowHidden && slices.ContainsFunc(segs, fsutil.IsHidden) {
		s.writeError(w, r, &fsutil.PathError{Op: "resolve", Path: rest, Err: fsutil.ErrNotFound})
		return nil, nil, false
	}
	if !s.require(w, r, auth.PermRead, segs) {
		return nil, nil, false
	}
	res, err = s.resolver.ResolveSegments(segs)
	if err != nil {
		s.writeError(w, r, err)
		return nil, nil, false
	}
	if !s.requireReal(w, r, auth.PermRead, res) {
		return nil, nil, false
	}
	return decoded, res, true
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request, rest string) {
	if !methodAllowed(w, r) {
		return
	}
	decoded, res, ok := s.resolveRequest(w, r, rest)
	if !ok {
		return
	}

	// Directories are addressed with a trailing slash and files without one,
	// so relative links resolve; dot and empty segments are folded away.
	isDir := res.Kind == fsutil.KindDirectory
	trailing := strings.HasSuffix(rest, "/")
	if !slices.Equal(decoded, res.Segments) || trailing != isDir || strings.Contains(rest, "//") {
		s.redirect(w, r, links.Href(s.prefix, res.Segments, isDir))
		return
	}

	if !isDir {
		s.handleFile(w, r, res)
		return
	}
	q := r.URL.Query()
	if d := q.Get("download"); d != "" {
		s.handleArchive(w, r, res, d)
		return
	}
	s.handleListing(w, r, res)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, res *fsutil.Resolved) {
	f, err := os.Open(res.Real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = &fsutil.PathError{Op: "open", Path: res.Real, Err: fsutil.ErrNotFound}
		} else {
			err = &fsutil.PathError{Op: "open", Path: res.Real, Err: fsutil.ErrForbidden}
		}
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		s.writeError(w, r, &fsutil.PathError{Op: "open", Path: res.Real, Err: fsutil.ErrForbidden})
		return
	}

	name := res.Name()
	if ct := contentTypeForName(name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", attachment(name))
	}
	http.ServeContent(w, r, name, st.ModTime(), f)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request, res *fsutil.Resolved) {
	q := r.URL.Query()
	opts := listing.Options{
		DirsFirst: s.cfg.DirsFirst,
		Method:    listing.ParseSort(q.Get("sort")),
		Order:     listing.ParseOrder(q.Get("order")),
		Allow: func(segs []string, realPath string, _ bool) bool {
			return s.reachable(r.Context(), auth.PermRead, segs, realPath)
		},
	}
	l, err := s.builder.List(res, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordListing(len(l.Entries), l.Omitted)

	var buf bytes.Buffer
	if q.Get("format") == "json" {
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(l); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeCached(w, r, "application/json; charset=utf-8", buf.Bytes())
		return
	}

	if err := s.tmpl.ExecuteTemplate(&buf, "listing.html", s.listingPage(r, res, l, opts)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeCached(w, r, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, res *fsutil.Resolved, name string) {
	f, err := archive.ParseFormat(name)
	if err != nil {
		http.Error(w, "unknown archive format", http.StatusBadRequest)
		return
	}
	if !s.cfg.Archives.Enabled(f.String()) {
		http.Error(w, "archive format disabled", http.StatusForbidden)
		return
	}
	if !s.require(w, r, auth.PermArchive, res.Segments) || !s.requireReal(w, r, auth.PermArchive, res) {
		return
	}

	base := "root"
	if !res.IsRoot() {
		base = res.Name()
	}
	h := w.Header()
	h.Set("Content-Type", f.ContentType())
	h.Set("Content-Disposition", attachment(base+f.Ext()))
	h.Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	log := logging.WithContext(r.Context())
	start := time.Now()
	// Descendants are held to their own ACLs, at their logical and real paths.
	n := len(res.Segments)
	allow := func(rel []string, realPath string, _ bool) bool {
		return s.reachable(r.Context(), auth.PermArchive, append(res.Segments[:n:n], rel...), realPath)
	}
	st, err := s.encoder.EncodeFiltered(r.Context(), w, res, f, allow)
	metrics.RecordArchive(f.String(), st.Bytes, st.Skipped, time.Since(start), err == nil)
	if err != nil {
		log.Warn("archive stream aborted",
			zap.String("format", f.String()),
			zap.String("dir", res.Real),
			zap.Int("files", st.Files),
			zap.Error(err),
		)
		// The status line is gone; cut the connection so the client sees a
		// truncated body instead of a short but well-terminated one.
		if r.Context().Err() == nil {
			panic(http.ErrAbortHandler)
		}
		return
	}
	log.Debug("archive streamed",
		zap.String("format", f.String()),
		zap.String("dir", res.Real),
		zap.Int("files", st.Files),
		zap.Int("dirs", st.Dirs),
		zap.Int("skipped", st.Skipped),
		zap.Int64("bytes", st.Bytes),
	)
}

// writeCached writes a generated body with a content hash ETag and answers
// If-None-Match with 304.
func writeCached(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "no-cache")
	if etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

// etagMatch implements the weak comparison If-None-Match uses.
func etagMatch(header, etag string) bool {
	for _, t := range strings.Split(header, ",") {
		t = strings.TrimSpace(t)
		if t == "*" || strings.TrimPrefix(t, "W/") == etag {
			return true
		}
	}
	return false
}

func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

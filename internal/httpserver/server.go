package httpserver

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"treeserve/internal/archive"
	"treeserve/internal/auth"
	"treeserve/internal/config"
	"treeserve/internal/fsutil"
	"treeserve/internal/links"
	"treeserve/internal/listing"
	"treeserve/internal/logging"
	"treeserve/internal/metrics"
)

// internalDir holds the server's own routes below the route prefix. A tree
// entry with the same name at the served root is shadowed.
const internalDir = "__treeserve"

type Options struct {
	Config   *config.Config
	Resolver *fsutil.Resolver
	Logger   *zap.Logger
}

type Server struct {
	cfg      *config.Config
	prefix   string
	resolver *fsutil.Resolver
	builder  *listing.Builder
	encoder  *archive.Encoder
	tmpl     *template.Template
	dav      http.Handler
	log      *zap.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Resolver == nil {
		return nil, errors.New("httpserver: config and resolver are required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.L()
	}
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	prefix := links.NormalizePrefix(opts.Config.RoutePrefix)
	s := &Server{
		cfg:      opts.Config,
		prefix:   prefix,
		resolver: opts.Resolver,
		builder: &listing.Builder{
			Resolver: opts.Resolver,
			Prefix:   prefix,
			Logger:   log,
		},
		encoder: &archive.Encoder{
			Resolver:   opts.Resolver,
			ChunkSize:  opts.Config.ChunkSize,
			SkipHidden: !opts.Config.ShowHidden,
			Logger:     log,
		},
		tmpl: tmpl,
		log:  log,
	}
	if opts.Config.WebDAV {
		s.dav = s.newDAVHandler()
	}
	return s, nil
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.route)
	h = auth.RequireAuth(s.cfg, h)
	h = metrics.Middleware(s.routeLabel)(h)
	h = logging.Middleware(s.log)(h)
	return h
}

// route dispatches on the escaped request path. http.ServeMux is not used
// for the tree because it cleans ".." out of paths before handlers see them.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	rest, ok := s.stripPrefix(r.URL.EscapedPath())
	if !ok {
		http.NotFound(w, r)
		return
	}
	if rest == "" {
		s.redirect(w, r, s.prefix+"/")
		return
	}

	if name, sub, ok := internalRoute(rest); ok {
		switch name {
		case "healthz":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "ok\n")
			return
		case "metrics":
			if s.cfg.Metrics {
				metrics.Handler().ServeHTTP(w, r)
				return
			}
		case "thumb":
			if s.cfg.Thumbnails {
				s.handleThumb(w, r, sub)
				return
			}
		case "dav":
			if s.dav != nil {
				s.dav.ServeHTTP(w, r)
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	s.handleTree(w, r, rest)
}

// stripPrefix returns the escaped path below the route prefix. "" means the
// request named the prefix itself without a trailing slash.
func (s *Server) stripPrefix(esc string) (string, bool) {
	if s.prefix == "" {
		return esc, true
	}
	if esc == s.prefix {
		return "", true
	}
	if strings.HasPrefix(esc, s.prefix+"/") {
		return esc[len(s.prefix):], true
	}
	return "", false
}

// internalRoute splits "/__treeserve/<name>/<sub>".
func internalRoute(rest string) (name, sub string, ok bool) {
	p, found := strings.CutPrefix(rest, "/"+internalDir+"/")
	if !found {
		return "", "", false
	}
	name, sub, _ = strings.Cut(p, "/")
	return name, "/" + sub, true
}

func (s *Server) routeLabel(r *http.Request) string {
	rest, ok := s.stripPrefix(r.URL.EscapedPath())
	if !ok {
		return "other"
	}
	if name, _, ok := internalRoute(rest); ok {
		switch name {
		case "healthz", "metrics", "thumb", "dav":
			return name
		}
		return "other"
	}
	return "tree"
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// require checks perm for already-normalized segments and writes
// the denial itself.
func (s *Server) require(w http.ResponseWriter, r *http.Request, perm auth.Perm, segs []string) bool {
	ok, err := s.allowed(r, perm, segs)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if !ok {
		if s.shouldChallenge(r) {
			s.authChallenge(w)
		} else {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
		return false
	}
	return true
}

func (s *Server) allowed(r *http.Request, perm auth.Perm, segs []string) (bool, error) {
	user := auth.UserFromContext(r.Context())
	return auth.Allowed(s.cfg, user, "/"+strings.Join(segs, "/"), perm)
}

// visible reports whether the logical path segs may be handed out with
// perm: hidden segments count as absent unless ShowHidden is set.
func (s *Server) visible(ctx context.Context, perm auth.Perm, segs []string) bool {
	if !s.cfg.ShowHidden && slices.ContainsFunc(segs, fsutil.IsHidden) {
		return false
	}
	ok, err := auth.Allowed(s.cfg, auth.UserFromContext(ctx), "/"+strings.Join(segs, "/"), perm)
	return err == nil && ok
}

// reachable applies visible to a node's logical path and, when the node's
// real location lies inside the root, to that location too. A symlink never
// grants more than its target's own path does.
func (s *Server) reachable(ctx context.Context, perm auth.Perm, segs []string, realPath string) bool {
	if !s.visible(ctx, perm, segs) {
		return false
	}
	if realSegs, inside := s.resolver.Rel(realPath); inside {
		return s.visible(ctx, perm, realSegs)
	}
	return true
}

// requireReal repeats the hidden and perm checks on where res actually
// lands, writing the denial itself.
func (s *Server) requireReal(w http.ResponseWriter, r *http.Request, perm auth.Perm, res *fsutil.Resolved) bool {
	realSegs, inside := s.resolver.Rel(res.Real)
	if !inside {
		return true
	}
	if !s.cfg.ShowHidden && slices.ContainsFunc(realSegs, fsutil.IsHidden) {
		s.writeError(w, r, &fsutil.PathError{Op: "resolve", Path: res.Real, Err: fsutil.ErrNotFound})
		return false
	}
	return s.require(w, r, perm, realSegs)
}

func (s *Server) shouldChallenge(r *http.Request) bool {
	return auth.HasAuth(s.cfg) && s.cfg.AuthOptional && auth.UserFromContext(r.Context()) == ""
}

func (s *Server) authChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="treeserve", charset="UTF-8"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// writeError maps resolver and listing errors onto statuses. Details stay in
// the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := logging.WithContext(r.Context())
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fsutil.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fsutil.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func methodAllowed(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
	return false
}

package httpserver

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"treeserve/internal/auth"
	"treeserve/internal/fsutil"
	"treeserve/internal/logging"
)

func (s *Server) newDAVHandler() http.Handler {
	davPrefix := s.prefix + "/" + internalDir + "/dav"
	dav := &webdav.Handler{
		Prefix:     davPrefix,
		FileSystem: &davFS{s: s},
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav", zap.String("method", r.Method), zap.Error(err))
			}
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS, PROPFIND")
			http.Error(w, "read-only", http.StatusMethodNotAllowed)
			return
		}
		segs := davSegments(strings.TrimPrefix(r.URL.Path, davPrefix))
		if !s.require(w, r, auth.PermRead, segs) {
			return
		}
		dav.ServeHTTP(w, r)
	})
}

func davSegments(name string) []string {
	var segs []string
	for _, seg := range strings.Split(path.Clean("/"+name), "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

// davFS is a read-only webdav.FileSystem over the resolver, so WebDAV
// clients get the same containment, hidden-file and ACL rules as the tree.
type davFS struct {
	s *Server
}

func (d *davFS) resolve(ctx context.Context, op, name string) (*fsutil.Resolved, error) {
	segs := davSegments(name)
	if !d.s.cfg.ShowHidden && slices.ContainsFunc(segs, fsutil.IsHidden) {
		return nil, &os.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	res, err := d.s.resolver.ResolveSegments(segs)
	if err != nil {
		if errors.Is(err, fsutil.ErrNotFound) {
			return nil, &os.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
		}
		return nil, &os.PathError{Op: op, Path: name, Err: fs.ErrPermission}
	}
	if !d.s.reachable(ctx, auth.PermRead, res.Segments, res.Real) {
		return nil, &os.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return res, nil
}

func (d *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return &os.PathError{Op: "mkdir", Path: name, Err: fs.ErrPermission}
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	return &os.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	return &os.PathError{Op: "rename", Path: oldName, Err: fs.ErrPermission}
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	res, err := d.resolve(ctx, "stat", name)
	if err != nil {
		return nil, err
	}
	return namedInfo{res.Info, res.Name()}, nil
}

func (d *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	res, err := d.resolve(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(res.Real)
	if err != nil {
		return nil, err
	}
	return &davFile{File: f, fs: d, ctx: ctx, res: res}, nil
}

type davFile struct {
	*os.File
	fs  *davFS
	ctx context.Context
	res *fsutil.Resolved
}

func (f *davFile) Write([]byte) (int, error) {
	return 0, &os.PathError{Op: "write", Path: f.res.Real, Err: fs.ErrPermission}
}

func (f *davFile) Stat() (fs.FileInfo, error) {
	return namedInfo{f.res.Info, f.res.Name()}, nil
}

// Readdir drops children the tree would not serve and reports symlinks by
// their target's info under the link's name.
func (f *davFile) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := infos[:0]
	for _, info := range infos {
		name := info.Name()
		realPath := filepath.Join(f.res.Real, name)
		if info.Mode()&fs.ModeSymlink != 0 {
			targetPath, target, cerr := f.fs.s.resolver.Check(realPath)
			if cerr != nil {
				continue
			}
			realPath, info = targetPath, namedInfo{target, name}
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			continue
		}
		segs := append(f.res.Segments[:len(f.res.Segments):len(f.res.Segments)], name)
		if !f.fs.s.reachable(f.ctx, auth.PermRead, segs, realPath) {
			continue
		}
		out = append(out, info)
	}
	return out, err
}

type namedInfo struct {
	fs.FileInfo
	name string
}

func (n namedInfo) Name() string { return n.name }

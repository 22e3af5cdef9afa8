package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"treeserve/internal/links"
)

var (
	// ErrNotFound means the requested path does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the path exists (or may exist) but lies outside the
	// served root, crosses a rejected symlink, or cannot be served.
	ErrForbidden = errors.New("forbidden")

	// ErrRootMissing and ErrRootNotDir are fatal setup failures.
	ErrRootMissing = errors.New("served root does not exist")
	ErrRootNotDir  = errors.New("served root is not a directory")
)

// PathError records the operation and path behind a resolution failure.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// Kind tags a successful resolution.
type Kind int

const (
	KindDirectory Kind = iota + 1
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Resolved is a request path mapped onto the served tree.
type Resolved struct {
	Kind Kind
	// Segments is the logical path below the root as seen in URLs; it is not
	// symlink-resolved so links built from it stay in the client's URL space.
	Segments []string
	// Real is the symlink-resolved absolute filesystem path.
	Real string
	Info fs.FileInfo
}

// IsRoot reports whether r is the served root itself.
func (r *Resolved) IsRoot() bool { return len(r.Segments) == 0 }

// Name is the last logical segment, or "" for the root.
func (r *Resolved) Name() string {
	if len(r.Segments) == 0 {
		return ""
	}
	return r.Segments[len(r.Segments)-1]
}

type ResolverOptions struct {
	// FollowExternalSymlinks allows symlinks inside the root to point
	// anywhere. When false, any path whose real location is outside the
	// root's real subtree is forbidden.
	FollowExternalSymlinks bool
}

// Resolver maps untrusted request paths onto the served root. It holds no
// mutable state and is safe for concurrent use.
type Resolver struct {
	root string // absolute, symlink-resolved
	opts ResolverOptions
}

// NewResolver validates root once at startup.
func NewResolver(root string, opts ResolverOptions) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &PathError{Op: "root", Path: abs, Err: ErrRootMissing}
		}
		return nil, &PathError{Op: "root", Path: abs, Err: err}
	}
	st, err := os.Stat(realPath)
	if err != nil {
		return nil, &PathError{Op: "root", Path: abs, Err: err}
	}
	if !st.IsDir() {
		return nil, &PathError{Op: "root", Path: abs, Err: ErrRootNotDir}
	}
	return &Resolver{root: filepath.Clean(realPath), opts: opts}, nil
}

// Root returns the real, absolute served root.
func (r *Resolver) Root() string { return r.root }

// Rel returns the segments of a real path below the root. ok is false when
// real lies outside the root, which only happens for followed external links.
func (r *Resolver) Rel(realPath string) (segs []string, ok bool) {
	realPath = filepath.Clean(realPath)
	if !Within(r.root, realPath) {
		return nil, false
	}
	rel, err := filepath.Rel(r.root, realPath)
	if err != nil {
		return nil, false
	}
	if rel == "." {
		return []string{}, true
	}
	return strings.Split(filepath.ToSlash(rel), "/"), true
}

// FollowsExternalSymlinks reports the symlink policy.
func (r *Resolver) FollowsExternalSymlinks() bool { return r.opts.FollowExternalSymlinks }

// Resolve resolves an escaped URL path (relative to the root, leading slash
// optional). Each segment is percent-decoded before interpretation, so an
// encoded ".." is still a parent reference.
func (r *Resolver) Resolve(escaped string) (*Resolved, error) {
	segs, err := links.DecodePath(escaped)
	if err != nil {
		return nil, &PathError{Op: "decode", Path: escaped, Err: ErrForbidden}
	}
	return r.ResolveSegments(segs)
}

// ResolveSegments resolves already-decoded path segments.
func (r *Resolver) ResolveSegments(segs []string) (*Resolved, error) {
	clean, err := NormalizeSegments(segs)
	if err != nil {
		return nil, err
	}
	abs := r.root
	if len(clean) > 0 {
		abs = filepath.Join(r.root, filepath.Join(clean...))
	}
	realPath, info, err := r.Check(abs)
	if err != nil {
		return nil, err
	}
	res := &Resolved{Segments: clean, Real: realPath, Info: info}
	switch {
	case info.IsDir():
		res.Kind = KindDirectory
	case info.Mode().IsRegular():
		res.Kind = KindFile
	default:
		return nil, &PathError{Op: "resolve", Path: abs, Err: ErrForbidden}
	}
	return res, nil
}

// Check evaluates symlinks for abs, verifies the real path is still inside
// the served root (unless external symlinks are allowed) and stats it. It is
// applied to the request root and again to every descendant visited later,
// since the tree may change in between.
func (r *Resolver) Check(abs string) (string, fs.FileInfo, error) {
	if !r.opts.FollowExternalSymlinks && !Within(r.root, filepath.Clean(abs)) {
		return "", nil, &PathError{Op: "check", Path: abs, Err: ErrForbidden}
	}
	realPath, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", nil, &PathError{Op: "check", Path: abs, Err: Classify(err)}
	}
	if !r.opts.FollowExternalSymlinks && !Within(r.root, realPath) {
		return "", nil, &PathError{Op: "check", Path: abs, Err: ErrForbidden}
	}
	info, err := os.Stat(realPath)
	if err != nil {
		return "", nil, &PathError{Op: "stat", Path: abs, Err: Classify(err)}
	}
	return realPath, info, nil
}

// NormalizeSegments drops "." segments and applies ".." lexically. A ".."
// that would climb above the root fails closed instead of clamping, and
// segments that cannot be a single filename are rejected.
func NormalizeSegments(segs []string) ([]string, error) {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch {
		case s == "" || s == ".":
			continue
		case s == "..":
			if len(out) == 0 {
				return nil, &PathError{Op: "normalize", Path: strings.Join(segs, "/"), Err: ErrForbidden}
			}
			out = out[:len(out)-1]
		case strings.ContainsAny(s, "/\x00"),
			filepath.Separator != '/' && strings.ContainsRune(s, filepath.Separator):
			return nil, &PathError{Op: "normalize", Path: s, Err: ErrForbidden}
		default:
			out = append(out, s)
		}
	}
	return out, nil
}

// Within reports whether p equals root or lies below it. Both must be clean
// absolute paths.
func Within(root, p string) bool {
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// IsHidden follows the dot-file convention.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Classify maps a filesystem error onto ErrNotFound or ErrForbidden. Other
// errors are returned unchanged.
func Classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrForbidden
	default:
		// ENOTDIR for "file.txt/x" and similar read as missing.
		if errors.Is(err, syscall.ENOTDIR) {
			return ErrNotFound
		}
		return err
	}
}

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root). Used for
// ACL prefix matching.
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

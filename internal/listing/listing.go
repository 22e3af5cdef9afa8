// Package listing builds ordered directory listings and breadcrumbs for a
// resolved directory.
package listing

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"treeserve/internal/fsutil"
	"treeserve/internal/links"
)

// ErrNotDirectory is returned when List is handed a file.
var ErrNotDirectory = errors.New("not a directory")

// EntryKind is the on-disk kind of a child, before following symlinks.
type EntryKind int

const (
	KindFile EntryKind = iota + 1
	KindDirectory
	KindSymlink
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

func (k EntryKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Entry is one child of a listed directory.
type Entry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`
	// IsDir is true for directories and for symlinks to directories.
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	Hidden  bool      `json:"hidden"`
	Href    string    `json:"href"`
}

// Crumb is one step of the breadcrumb trail.
type Crumb struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// Listing is the result of listing one directory.
type Listing struct {
	Segments    []string `json:"segments"`
	Href        string   `json:"href"`
	Breadcrumbs []Crumb  `json:"breadcrumbs"`
	// Parent is the "parent directory" link; nil at the served root.
	Parent  *Crumb  `json:"parent,omitempty"`
	Entries []Entry `json:"entries"`
	// Omitted counts children left out because they could not be served.
	Omitted int `json:"-"`
}

// Builder lists directories below a Resolver's root.
type Builder struct {
	Resolver *fsutil.Resolver
	// Prefix is the normalized route prefix links are built under.
	Prefix string
	Logger *zap.Logger
}

// List enumerates dir once. Children that vanish, cannot be stat'd or whose
// symlink target is not servable are left out; the rest are returned sorted.
// Hidden children are included and tagged.
func (b *Builder) List(dir *fsutil.Resolved, opts Options) (*Listing, error) {
	if dir.Kind != fsutil.KindDirectory {
		return nil, ErrNotDirectory
	}
	log := b.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ents, err := os.ReadDir(dir.Real)
	if err != nil {
		return nil, &fsutil.PathError{Op: "readdir", Path: dir.Real, Err: fsutil.Classify(err)}
	}

	entries := make([]Entry, 0, len(ents))
	omitted := 0
	for _, de := range ents {
		e, realPath, ok := b.entry(dir, de)
		if !ok {
			omitted++
			log.Debug("listing: entry omitted", zap.String("dir", dir.Real), zap.String("name", de.Name()))
			continue
		}
		if opts.Allow != nil && !opts.Allow(childSegments(dir.Segments, e.Name), realPath, e.IsDir) {
			continue
		}
		entries = append(entries, e)
	}
	Sort(entries, opts)

	l := &Listing{
		Segments:    dir.Segments,
		Href:        links.Href(b.Prefix, dir.Segments, true),
		Breadcrumbs: Breadcrumbs(b.Prefix, dir.Segments),
		Entries:     entries,
		Omitted:     omitted,
	}
	if n := len(l.Breadcrumbs); n > 1 {
		p := l.Breadcrumbs[n-2]
		l.Parent = &p
	}
	return l, nil
}

// entry describes one child and returns its symlink-resolved path.
func (b *Builder) entry(dir *fsutil.Resolved, de os.DirEntry) (Entry, string, bool) {
	name := de.Name()
	realPath := filepath.Join(dir.Real, name)
	linfo, err := de.Info()
	if err != nil {
		return Entry{}, "", false
	}
	e := Entry{
		Name:    name,
		Hidden:  fsutil.IsHidden(name),
		ModTime: linfo.ModTime(),
	}
	info := linfo
	switch {
	case linfo.Mode()&os.ModeSymlink != 0:
		e.Kind = KindSymlink
		// Only list links that a later request could actually follow.
		targetPath, target, err := b.Resolver.Check(realPath)
		if err != nil {
			return Entry{}, "", false
		}
		realPath, info = targetPath, target
	case linfo.IsDir():
		e.Kind = KindDirectory
	case linfo.Mode().IsRegular():
		e.Kind = KindFile
	default:
		return Entry{}, "", false
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return Entry{}, "", false
	}
	e.IsDir = info.IsDir()
	if !e.IsDir {
		e.Size = info.Size()
	}
	e.ModTime = info.ModTime()
	e.Href = links.Href(b.Prefix, childSegments(dir.Segments, name), e.IsDir)
	return e, realPath, true
}

func childSegments(parent []string, name string) []string {
	segs := make([]string, len(parent), len(parent)+1)
	copy(segs, parent)
	return append(segs, name)
}

// Breadcrumbs returns the trail from the root down to segs. The first crumb
// is the root itself.
func Breadcrumbs(prefix string, segs []string) []Crumb {
	crumbs := make([]Crumb, 0, len(segs)+1)
	crumbs = append(crumbs, Crumb{Name: "/", Href: links.Href(prefix, nil, true)})
	for i := range segs {
		crumbs = append(crumbs, Crumb{Name: segs[i], Href: links.Href(prefix, segs[:i+1], true)})
	}
	return crumbs
}

// SortMethod selects the primary sort key.
type SortMethod int

const (
	SortName SortMethod = iota
	SortSize
	SortDate
)

// SortOrder applies to the primary key only; ties always break ascending.
type SortOrder int

const (
	Asc SortOrder = iota
	Desc
)

// Options controls ordering and filtering.
type Options struct {
	DirsFirst bool
	Method    SortMethod
	Order     SortOrder
	// Allow, when set, is asked about every servable child with its logical
	// path and symlink-resolved location. Refused children are dropped and
	// not counted as omitted.
	Allow func(segs []string, realPath string, isDir bool) bool
}

// ParseSort parses "name", "size" or "date"; anything else is SortName.
func ParseSort(s string) SortMethod {
	switch strings.ToLower(s) {
	case "size":
		return SortSize
	case "date":
		return SortDate
	default:
		return SortName
	}
}

// ParseOrder parses "asc" or "desc"; anything else is Asc.
func ParseOrder(s string) SortOrder {
	if strings.EqualFold(s, "desc") {
		return Desc
	}
	return Asc
}

// Sort orders entries by a total order: directories first (when enabled),
// then the primary key, then case-folded name, then the raw name bytes. The
// result never depends on the order the filesystem returned.
func Sort(entries []Entry, opts Options) {
	fold := cases.Fold()
	keys := make([]string, len(entries))
	for i := range entries {
		keys[i] = fold.String(entries[i].Name)
	}
	sort.Sort(&sorter{entries: entries, keys: keys, opts: opts})
}

type sorter struct {
	entries []Entry
	keys    []string
	opts    Options
}

func (s *sorter) Len() int { return len(s.entries) }

func (s *sorter) Swap(i, j int) {
	s.entries[i], s.entries[j] = s.entries[j], s.entries[i]
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
}

func (s *sorter) Less(i, j int) bool {
	a, b := &s.entries[i], &s.entries[j]
	if s.opts.DirsFirst && a.IsDir != b.IsDir {
		return a.IsDir
	}
	c := s.primary(a, b)
	if c == 0 {
		c = strings.Compare(s.keys[i], s.keys[j])
		if c == 0 {
			c = strings.Compare(a.Name, b.Name)
		}
		if s.opts.Method != SortName {
			return c < 0
		}
	}
	if s.opts.Order == Desc {
		c = -c
	}
	return c < 0
}

// primary compares by size or date; name ordering is the shared tie-break.
func (s *sorter) primary(a, b *Entry) int {
	switch s.opts.Method {
	case SortSize:
		switch {
		case a.Size < b.Size:
			return -1
		case a.Size > b.Size:
			return 1
		}
	case SortDate:
		return a.ModTime.Compare(b.ModTime)
	}
	return 0
}

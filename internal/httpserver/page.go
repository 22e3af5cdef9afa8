package httpserver

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"treeserve/internal/archive"
	"treeserve/internal/auth"
	"treeserve/internal/fsutil"
	"treeserve/internal/listing"
	"treeserve/internal/logging"
)

//go:embed templates/*.html
var templateFS embed.FS

func parseTemplates() (*template.Template, error) {
	return template.New("").Funcs(template.FuncMap{
		"display": displayName,
	}).ParseFS(templateFS, "templates/*.html")
}

type pageData struct {
	Title    string
	Path     string
	Listing  *listing.Listing
	Rows     []row
	Archives []archiveLink
	Sort     map[string]string
	Readme   template.HTML
}

type row struct {
	listing.Entry
	Thumb    string
	SizeText string
	ModText  string
}

type archiveLink struct {
	Label string
	Href  string
}

var archiveFormats = []archive.Format{archive.FormatTar, archive.FormatTarGz, archive.FormatZip}

func (s *Server) listingPage(r *http.Request, res *fsutil.Resolved, l *listing.Listing, opts listing.Options) pageData {
	p := pageData{
		Title:   s.cfg.Title,
		Path:    "/" + strings.Join(l.Segments, "/"),
		Listing: l,
		Rows:    make([]row, 0, len(l.Entries)),
		Sort:    sortLinks(l.Href, opts),
	}
	for _, e := range l.Entries {
		rw := row{Entry: e, ModText: e.ModTime.UTC().Format(time.DateTime)}
		if !e.IsDir {
			rw.SizeText = formatSize(e.Size)
			if s.cfg.Thumbnails && isImageExt(strings.ToLower(path.Ext(e.Name))) {
				rw.Thumb = s.prefix + "/" + internalDir + "/thumb" + strings.TrimPrefix(e.Href, s.prefix)
			}
		}
		p.Rows = append(p.Rows, rw)
	}
	if ok, _ := s.allowed(r, auth.PermArchive, res.Segments); ok {
		for _, f := range archiveFormats {
			if s.cfg.Archives.Enabled(f.String()) {
				p.Archives = append(p.Archives, archiveLink{
					Label: strings.TrimPrefix(f.Ext(), "."),
					Href:  l.Href + "?download=" + f.String(),
				})
			}
		}
	}
	if s.cfg.Readme {
		p.Readme = s.readme(r, res, l)
	}
	return p
}

// readme renders the first README.md of the listing, if any.
func (s *Server) readme(r *http.Request, res *fsutil.Resolved, l *listing.Listing) template.HTML {
	for _, e := range l.Entries {
		if e.IsDir || !strings.EqualFold(e.Name, "readme.md") {
			continue
		}
		rr, err := s.resolver.ResolveSegments(append(slices.Clone(res.Segments), e.Name))
		if err != nil || rr.Kind != fsutil.KindFile {
			continue
		}
		out, err := renderMarkdown(rr.Real)
		if err != nil {
			logging.WithContext(r.Context()).Debug("readme not rendered", zap.String("path", rr.Real), zap.Error(err))
			continue
		}
		return out
	}
	return ""
}

// sortLinks builds the column header links; the active column toggles order.
func sortLinks(href string, opts listing.Options) map[string]string {
	links := make(map[string]string, 3)
	for _, m := range []struct {
		name   string
		method listing.SortMethod
	}{{"name", listing.SortName}, {"size", listing.SortSize}, {"date", listing.SortDate}} {
		order := "asc"
		if opts.Method == m.method && opts.Order == listing.Asc {
			order = "desc"
		}
		links[m.name] = href + "?sort=" + m.name + "&order=" + order
	}
	return links
}

// displayName makes a file name safe to show as text; the href keeps the
// exact bytes.
func displayName(name string) string {
	return strings.ToValidUTF8(name, "�")
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

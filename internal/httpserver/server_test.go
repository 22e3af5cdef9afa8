package httpserver

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/html"

	"treeserve/internal/config"
	"treeserve/internal/fsutil"
	"treeserve/internal/links"
)

type fixture struct {
	t      *testing.T
	srv    *httptest.Server
	cfg    *config.Config
	client *http.Client
}

func newFixture(t *testing.T, root string, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Root = root
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.RoutePrefix = links.NormalizePrefix(cfg.RoutePrefix)
	require.NoError(t, cfg.Validate())

	resolver, err := fsutil.NewResolver(root, fsutil.ResolverOptions{FollowExternalSymlinks: cfg.FollowExternalSymlinks})
	require.NoError(t, err)
	s, err := New(Options{Config: &cfg, Resolver: resolver, Logger: zap.NewNop()})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{
		t:   t,
		srv: srv,
		cfg: &cfg,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends raw as the exact request target so dot segments and escapes
// reach the server untouched.
func (f *fixture) do(method, raw string, header http.Header) response {
	f.t.Helper()
	req, err := http.NewRequest(method, f.srv.URL, nil)
	require.NoError(f.t, err)
	p, q, _ := strings.Cut(raw, "?")
	req.URL.Opaque = p
	req.URL.RawQuery = q
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.client.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: body}
}

func (f *fixture) get(raw string) response {
	f.t.Helper()
	return f.do(http.MethodGet, raw, nil)
}

// writeTree creates files (and directories for keys ending in "/").
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(p, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
}

type anchor struct {
	Href  string
	Class string
}

func anchors(t *testing.T, body []byte) []anchor {
	t.Helper()
	doc, err := html.Parse(bytes.NewReader(body))
	require.NoError(t, err)
	var out []anchor
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var a anchor
			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					a.Href = attr.Val
				case "class":
					a.Class = attr.Val
				}
			}
			out = append(out, a)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// entryLinks returns the hrefs of listed entries and the parent link ("" at
// the root).
func entryLinks(t *testing.T, body []byte) (entries []string, parent string) {
	t.Helper()
	for _, a := range anchors(t, body) {
		switch a.Class {
		case "file", "directory", "symlink":
			entries = append(entries, a.Href)
		case "parent":
			parent = a.Href
		}
	}
	return entries, parent
}

func basicTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"plain.txt":        "plain",
		"sub/b.txt":        "world",
		"sub/.dot":         "dot",
		"sub/deeper/c.txt": "deep",
		".hidden/secret":   "shh",
		"empty/":           "",
	})
	return root
}

func TestRedirectsAndErrors(t *testing.T) {
	root := basicTree(t)
	f := newFixture(t, root, func(c *config.Config) { c.RoutePrefix = "/files/" })

	cases := []struct {
		path     string
		status   int
		location string
	}{
		{"/files", http.StatusMovedPermanently, "/files/"},
		{"/files/sub", http.StatusMovedPermanently, "/files/sub/"},
		{"/files/sub?format=json", http.StatusMovedPermanently, "/files/sub/?format=json"},
		{"/files/plain.txt/", http.StatusMovedPermanently, "/files/plain.txt"},
		{"/files/sub/../plain.txt", http.StatusMovedPermanently, "/files/plain.txt"},
		{"/files//sub/", http.StatusMovedPermanently, "/files/sub/"},
		{"/files/%2E/sub/", http.StatusMovedPermanently, "/files/sub/"},
		{"/files/sub/%2E%2E/", http.StatusMovedPermanently, "/files/"},
		{"/files/..", http.StatusForbidden, ""},
		{"/files/%2E%2E/", http.StatusForbidden, ""},
		{"/files/sub/../../", http.StatusForbidden, ""},
		{"/files/sub%2F..%2F..%2F", http.StatusForbidden, ""},
		{"/files/missing/", http.StatusNotFound, ""},
		{"/files/sub/missing.txt", http.StatusNotFound, ""},
		{"/files/plain.txt/x", http.StatusNotFound, ""},
		{"/elsewhere/", http.StatusNotFound, ""},
		{"/files/", http.StatusOK, ""},
		{"/files/sub/", http.StatusOK, ""},
		{"/files/plain.txt", http.StatusOK, ""},
	}
	for _, tc := range cases {
		resp := f.get(tc.path)
		require.Equal(t, tc.status, resp.status, tc.path)
		if tc.location != "" {
			require.Equal(t, tc.location, resp.header.Get("Location"), tc.path)
		}
	}

	resp := f.do(http.MethodPost, "/files/", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.status)
	require.Equal(t, "GET, HEAD", resp.header.Get("Allow"))
}

func TestNavigationIsReversible(t *testing.T) {
	for _, prefix := range []string{"", "/pre"} {
		t.Run("prefix="+prefix, func(t *testing.T) {
			base := t.TempDir()
			root := filepath.Join(base, "root")
			outside := filepath.Join(base, "outside")
			files := map[string]string{
				"plain.txt":                  "plain",
				"a b/c d.txt":                "spaces",
				"ünï/çødé.txt":               "unicode",
				"%41/x.txt":                  "percent",
				"hash#q?mark/semi;colon.txt": "punct",
				"dots../end...":              "dots",
				"plus+amp&eq=/tilde~.txt":    "plus",
				"deep/er/est/leaf.txt":       "leaf",
				"empty/":                     "",
				".hidden/secret.txt":         "hidden",
			}
			if runtime.GOOS == "linux" {
				files["raw\xffbyte/z.txt"] = "rawbyte"
				files["back\\slash.txt"] = "backslash"
			}
			writeTree(t, root, files)
			writeTree(t, outside, map[string]string{"leak.txt": "leak"})
			symlink(t, outside, filepath.Join(root, "escape"))
			symlink(t, filepath.Join(root, "deep"), filepath.Join(root, "alias"))
			symlink(t, filepath.Join(root, "gone"), filepath.Join(root, "dangling"))

			f := newFixture(t, root, func(c *config.Config) { c.RoutePrefix = prefix })

			rootHref := prefix + "/"
			seen := map[string]bool{}
			found := map[string]string{}
			queue := []string{rootHref}
			for len(queue) > 0 {
				dir := queue[0]
				queue = queue[1:]
				if seen[dir] {
					continue
				}
				seen[dir] = true

				resp := f.get(dir)
				require.Equal(t, http.StatusOK, resp.status, dir)
				entries, parent := entryLinks(t, resp.body)
				if dir == rootHref {
					require.Empty(t, parent)
				} else {
					// The parent link goes back exactly one level.
					trimmed := strings.TrimSuffix(dir, "/")
					require.Equal(t, trimmed[:strings.LastIndex(trimmed, "/")+1], parent, dir)
					up := f.get(parent)
					require.Equal(t, http.StatusOK, up.status)
					back, _ := entryLinks(t, up.body)
					require.Contains(t, back, dir)
				}

				for _, href := range entries {
					require.True(t, strings.HasPrefix(href, dir), "%s not below %s", href, dir)
					if strings.HasSuffix(href, "/") {
						queue = append(queue, href)
						continue
					}
					got := f.get(href)
					require.Equal(t, http.StatusOK, got.status, href)
					segs, err := links.DecodePath(strings.TrimPrefix(href, prefix))
					require.NoError(t, err)
					found[strings.Join(segs, "/")] = string(got.body)
				}
			}

			want := map[string]string{}
			for name, content := range files {
				if strings.HasSuffix(name, "/") || strings.HasPrefix(name, ".hidden") {
					continue
				}
				want[name] = content
			}
			want["alias/er/est/leaf.txt"] = "leaf"
			require.Equal(t, want, found)
			require.True(t, seen[prefix+"/empty/"])
			require.False(t, seen[prefix+"/escape/"])
		})
	}
}

func TestParentChainReachesRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"one/two/three/four/f.txt": "x"})
	f := newFixture(t, root, func(c *config.Config) { c.RoutePrefix = "/m" })

	href := links.Href("/m", []string{"one", "two", "three", "four"}, true)
	steps := 0
	for {
		resp := f.get(href)
		require.Equal(t, http.StatusOK, resp.status, href)
		_, parent := entryLinks(t, resp.body)
		if parent == "" {
			break
		}
		href = parent
		steps++
		require.LessOrEqual(t, steps, 4)
	}
	require.Equal(t, "/m/", href)
	require.Equal(t, 4, steps)
}

func readArchive(t *testing.T, format string, body []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	switch format {
	case "zip":
		zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		for _, zf := range zr.File {
			if strings.HasSuffix(zf.Name, "/") {
				continue
			}
			rc, err := zf.Open()
			require.NoError(t, err)
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			out[zf.Name] = string(b)
		}
	default:
		var r io.Reader = bytes.NewReader(body)
		if format == "tar_gz" {
			gz, err := gzip.NewReader(r)
			require.NoError(t, err)
			r = gz
		}
		tr := tar.NewReader(r)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			if hdr.Typeflag == tar.TypeDir {
				continue
			}
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			out[hdr.Name] = string(b)
		}
	}
	return out
}

func attachmentName(t *testing.T, h http.Header) string {
	t.Helper()
	disp, params, err := mime.ParseMediaType(h.Get("Content-Disposition"))
	require.NoError(t, err)
	require.Equal(t, "attachment", disp)
	return params["filename"]
}

func TestArchiveDownloads(t *testing.T) {
	root := basicTree(t)
	f := newFixture(t, root, nil)

	for format, ext := range map[string]string{"tar": ".tar", "tar_gz": ".tar.gz", "zip": ".zip"} {
		resp := f.get("/sub/?download=" + format)
		require.Equal(t, http.StatusOK, resp.status, format)
		require.Equal(t, "sub"+ext, attachmentName(t, resp.header))
		require.Equal(t, map[string]string{
			"b.txt":        "world",
			"deeper/c.txt": "deep",
		}, readArchive(t, format, resp.body), format)
	}

	resp := f.get("/?download=zip")
	require.Equal(t, http.StatusOK, resp.status)
	require.Equal(t, "application/zip", resp.header.Get("Content-Type"))
	require.Equal(t, "root.zip", attachmentName(t, resp.header))
	got := readArchive(t, "zip", resp.body)
	require.Equal(t, "plain", got["plain.txt"])
	require.NotContains(t, got, ".hidden/secret")
	require.NotContains(t, got, "sub/.dot")

	require.Equal(t, http.StatusBadRequest, f.get("/sub/?download=rar").status)
}

func TestArchiveFormatToggles(t *testing.T) {
	root := basicTree(t)
	f := newFixture(t, root, func(c *config.Config) { c.Archives.Zip = false })

	require.Equal(t, http.StatusForbidden, f.get("/sub/?download=zip").status)
	require.Equal(t, http.StatusOK, f.get("/sub/?download=tar").status)

	page := f.get("/sub/")
	var hrefs []string
	for _, a := range anchors(t, page.body) {
		hrefs = append(hrefs, a.Href)
	}
	require.Contains(t, hrefs, "/sub/?download=tar")
	require.Contains(t, hrefs, "/sub/?download=tar_gz")
	require.NotContains(t, hrefs, "/sub/?download=zip")
}

func TestHiddenPaths(t *testing.T) {
	root := basicTree(t)

	f := newFixture(t, root, nil)
	require.Equal(t, http.StatusNotFound, f.get("/.hidden/").status)
	require.Equal(t, http.StatusNotFound, f.get("/.hidden/secret").status)
	require.Equal(t, http.StatusNotFound, f.get("/sub/.dot").status)
	entries, _ := entryLinks(t, f.get("/").body)
	require.NotContains(t, entries, "/.hidden/")

	shown := newFixture(t, root, func(c *config.Config) { c.ShowHidden = true })
	require.Equal(t, http.StatusOK, shown.get("/.hidden/").status)
	require.Equal(t, "shh", string(shown.get("/.hidden/secret").body))
	entries, _ = entryLinks(t, shown.get("/").body)
	require.Contains(t, entries, "/.hidden/")
	got := readArchive(t, "tar", shown.get("/sub/?download=tar").body)
	require.Equal(t, "dot", got[".dot"])
}

func TestJSONListingAndETag(t *testing.T) {
	root := basicTree(t)
	f := newFixture(t, root, nil)

	resp := f.get("/sub/?format=json")
	require.Equal(t, http.StatusOK, resp.status)
	require.Equal(t, "application/json; charset=utf-8", resp.header.Get("Content-Type"))

	var l struct {
		Href   string `json:"href"`
		Parent *struct {
			Href string `json:"href"`
		} `json:"parent"`
		Entries []struct {
			Name  string `json:"name"`
			Kind  string `json:"kind"`
			IsDir bool   `json:"isDir"`
			Href  string `json:"href"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(resp.body, &l))
	require.Equal(t, "/sub/", l.Href)
	require.NotNil(t, l.Parent)
	require.Equal(t, "/", l.Parent.Href)
	require.Len(t, l.Entries, 2)
	require.Equal(t, "deeper", l.Entries[0].Name)
	require.Equal(t, "directory", l.Entries[0].Kind)
	require.Equal(t, "/sub/deeper/", l.Entries[0].Href)
	require.Equal(t, "b.txt", l.Entries[1].Name)

	etag := resp.header.Get("ETag")
	require.NotEmpty(t, etag)
	again := f.do(http.MethodGet, "/sub/?format=json", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusNotModified, again.status)
	require.Empty(t, again.body)

	// A change in the directory changes the tag.
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "new.txt"), []byte("n"), 0o644))
	changed := f.do(http.MethodGet, "/sub/?format=json", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusOK, changed.status)
	require.NotEqual(t, etag, changed.header.Get("ETag"))
}

func TestListingSortQuery(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"small": "1", "big": "1234567", "mid": "123"})
	f := newFixture(t, root, nil)

	entries, _ := entryLinks(t, f.get("/?sort=size&order=desc").body)
	require.Equal(t, []string{"/big", "/mid", "/small"}, entries)
	entries, _ = entryLinks(t, f.get("/").body)
	require.Equal(t, []string{"/big", "/mid", "/small"}, entries)
	entries, _ = entryLinks(t, f.get("/?sort=name&order=desc").body)
	require.Equal(t, []string{"/small", "/mid", "/big"}, entries)
}

func TestFileServing(t *testing.T) {
	root := basicTree(t)
	f := newFixture(t, root, nil)

	resp := f.do(http.MethodGet, "/plain.txt", http.Header{"Range": {"bytes=1-2"}})
	require.Equal(t, http.StatusPartialContent, resp.status)
	require.Equal(t, "la", string(resp.body))

	resp = f.get("/plain.txt?dl=1")
	require.Equal(t, http.StatusOK, resp.status)
	require.Equal(t, "plain.txt", attachmentName(t, resp.header))

	resp = f.do(http.MethodHead, "/sub/", nil)
	require.Equal(t, http.StatusOK, resp.status)
	require.Empty(t, resp.body)
}

func TestReadmeRendering(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"README.md": "# Hello\n\nSome *text*.\n\n<script>alert(1)</script>\n",
	})
	f := newFixture(t, root, nil)
	body := string(f.get("/").body)
	require.Contains(t, body, `<h1 id="hello">Hello</h1>`)
	require.Contains(t, body, "<em>text</em>")
	require.NotContains(t, body, "<script>alert(1)</script>")

	off := newFixture(t, root, func(c *config.Config) { c.Readme = false })
	require.NotContains(t, string(off.get("/").body), `<h1 id="hello">`)
}

func TestAuthAndACLs(t *testing.T) {
	root := basicTree(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, root, func(c *config.Config) {
		c.Users = []config.User{{Name: "alice", Bcrypt: string(hash)}, {Name: "bob", Bcrypt: string(hash)}}
		c.ACLs = []config.ACL{{Path: "/sub", Read: []string{"alice", "bob"}, Archive: []string{"alice"}}}
	})
	creds := func(user string) http.Header {
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth(user, "pw")
		return req.Header
	}

	require.Equal(t, http.StatusUnauthorized, f.get("/").status)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/", creds("bob")).status)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/sub/", creds("bob")).status)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/sub/?download=tar", creds("bob")).status)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/sub/?download=tar", creds("alice")).status)

	// Archive links are only offered to users who may use them.
	page := f.do(http.MethodGet, "/sub/", creds("bob"))
	require.NotContains(t, string(page.body), "?download=")
}

func basicAuth(user string) http.Header {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(user, "pw")
	return req.Header
}

func withUsers(t *testing.T, acls []config.ACL, names ...string) func(*config.Config) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	return func(c *config.Config) {
		for _, n := range names {
			c.Users = append(c.Users, config.User{Name: n, Bcrypt: string(hash)})
		}
		c.ACLs = acls
	}
}

func TestArchiveHonorsDescendantACLs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello", "sub/b.txt": "world", "sub/in/c.txt": "deep"})
	acls := []config.ACL{{Path: "/sub", Read: []string{"alice"}, Archive: []string{"alice"}}}
	f := newFixture(t, root, withUsers(t, acls, "alice", "bob"))

	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/sub/b.txt", basicAuth("bob")).status)
	for _, format := range []string{"tar", "tar_gz", "zip"} {
		resp := f.do(http.MethodGet, "/?download="+format, basicAuth("bob"))
		require.Equal(t, http.StatusOK, resp.status, format)
		require.Equal(t, map[string]string{"a.txt": "hello"}, readArchive(t, format, resp.body), format)

		resp = f.do(http.MethodGet, "/?download="+format, basicAuth("alice"))
		require.Equal(t, http.StatusOK, resp.status, format)
		require.Equal(t, map[string]string{"a.txt": "hello", "sub/b.txt": "world", "sub/in/c.txt": "deep"},
			readArchive(t, format, resp.body), format)
	}

	// Read access alone does not extend to archiving a subtree.
	acls = []config.ACL{{Path: "/sub", Read: []string{"alice", "bob"}, Archive: []string{"alice"}}}
	g := newFixture(t, root, withUsers(t, acls, "alice", "bob"))
	require.Equal(t, http.StatusOK, g.do(http.MethodGet, "/sub/b.txt", basicAuth("bob")).status)
	resp := g.do(http.MethodGet, "/?download=tar", basicAuth("bob"))
	require.Equal(t, map[string]string{"a.txt": "hello"}, readArchive(t, "tar", resp.body))
}

func TestSymlinksDoNotWidenAccess(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello", "sub/b.txt": "world", ".hidden/secret": "shh"})
	symlink(t, filepath.Join(root, "sub"), filepath.Join(root, "pub"))
	symlink(t, filepath.Join(root, ".hidden"), filepath.Join(root, "visible"))

	acls := []config.ACL{{Path: "/sub", Read: []string{"alice"}, Archive: []string{"alice"}}}
	f := newFixture(t, root, withUsers(t, acls, "alice", "bob"))
	bob := basicAuth("bob")

	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/sub/b.txt", bob).status)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/pub/b.txt", bob).status)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/pub/", bob).status)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/.hidden/secret", bob).status)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/visible/secret", bob).status)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/visible/", bob).status)

	entries, _ := entryLinks(t, f.do(http.MethodGet, "/", bob).body)
	require.Equal(t, []string{"/a.txt"}, entries)
	got := readArchive(t, "tar", f.do(http.MethodGet, "/?download=tar", bob).body)
	require.Equal(t, map[string]string{"a.txt": "hello"}, got)

	// alice may read sub through either name, but nothing hidden.
	alice := basicAuth("alice")
	require.Equal(t, "world", string(f.do(http.MethodGet, "/pub/b.txt", alice).body))
	entries, _ = entryLinks(t, f.do(http.MethodGet, "/", alice).body)
	require.ElementsMatch(t, []string{"/a.txt", "/pub/", "/sub/"}, entries)
	got = readArchive(t, "zip", f.do(http.MethodGet, "/?download=zip", alice).body)
	require.Equal(t, map[string]string{"a.txt": "hello", "pub/b.txt": "world", "sub/b.txt": "world"}, got)

	// Without auth the hidden target stays hidden behind its link.
	anon := newFixture(t, root, nil)
	require.Equal(t, http.StatusNotFound, anon.get("/visible/secret").status)
	entries, _ = entryLinks(t, anon.get("/").body)
	require.NotContains(t, entries, "/visible/")
	require.NotContains(t, readArchive(t, "tar", anon.get("/?download=tar").body), "visible/secret")
}

func TestInternalRoutes(t *testing.T) {
	root := basicTree(t)
	f := newFixture(t, root, func(c *config.Config) { c.RoutePrefix = "/x" })

	resp := f.get("/x/__treeserve/healthz")
	require.Equal(t, http.StatusOK, resp.status)
	require.Equal(t, "ok\n", string(resp.body))

	f.get("/x/")
	resp = f.get("/x/__treeserve/metrics")
	require.Equal(t, http.StatusOK, resp.status)
	require.Contains(t, string(resp.body), "treeserve_http_requests_total")

	require.Equal(t, http.StatusNotFound, f.get("/x/__treeserve/nope").status)
	require.Equal(t, http.StatusNotFound, f.get("/x/__treeserve/dav/").status)

	off := newFixture(t, root, func(c *config.Config) { c.Metrics = false })
	require.Equal(t, http.StatusNotFound, off.get("/__treeserve/metrics").status)
}

func TestThumbnails(t *testing.T) {
	root := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 600, 300))
	for x := 0; x < 600; x++ {
		img.Set(x, x%300, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	writeTree(t, root, map[string]string{"pics/cat.png": buf.String(), "pics/notes.txt": "x"})

	f := newFixture(t, root, nil)
	var thumbs []string
	doc, err := html.Parse(bytes.NewReader(f.get("/pics/").body))
	require.NoError(t, err)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			for _, a := range n.Attr {
				if a.Key == "src" {
					thumbs = append(thumbs, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	require.Equal(t, []string{"/__treeserve/thumb/pics/cat.png"}, thumbs)

	resp := f.get(thumbs[0])
	require.Equal(t, http.StatusOK, resp.status)
	require.Equal(t, "image/jpeg", resp.header.Get("Content-Type"))
	cfg, format, err := image.DecodeConfig(bytes.NewReader(resp.body))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 256, cfg.Width)
	require.Equal(t, 128, cfg.Height)

	require.Equal(t, http.StatusNotFound, f.get("/__treeserve/thumb/pics/notes.txt").status)
	require.Equal(t, http.StatusForbidden, f.get("/__treeserve/thumb/../x.png").status)
}

// pngHeader returns a PNG signature and an IHDR chunk declaring a w x h
// truecolor raster, with no pixel data behind it.
func pngHeader(w, h uint32) []byte {
	var b bytes.Buffer
	b.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 2 // truecolor
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(ihdr)))
	b.Write(n[:])
	chunk := append([]byte("IHDR"), ihdr...)
	b.Write(chunk)
	binary.BigEndian.PutUint32(n[:], crc32.ChecksumIEEE(chunk))
	b.Write(n[:])
	return b.Bytes()
}

func TestThumbnailRejectsHugeDimensions(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"bomb.png": string(pngHeader(100000, 100000))})
	cfg, _, err := image.DecodeConfig(bytes.NewReader(pngHeader(100000, 100000)))
	require.NoError(t, err)
	require.Equal(t, 100000, cfg.Width)

	f := newFixture(t, root, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, f.get("/__treeserve/thumb/bomb.png").status)

	_, err = makeThumb(filepath.Join(root, "bomb.png"), 64)
	require.ErrorIs(t, err, errImageTooLarge)
}

func TestWebDAVReadOnly(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	writeTree(t, root, map[string]string{"plain.txt": "plain", ".hidden/s": "s", "sub/b.txt": "world"})
	writeTree(t, filepath.Join(base, "outside"), map[string]string{"leak.txt": "leak"})
	symlink(t, filepath.Join(base, "outside"), filepath.Join(root, "escape"))

	f := newFixture(t, root, func(c *config.Config) { c.WebDAV = true })

	resp := f.do("PROPFIND", "/__treeserve/dav/", http.Header{"Depth": {"1"}})
	require.Equal(t, http.StatusMultiStatus, resp.status)
	body := string(resp.body)
	require.Contains(t, body, "plain.txt")
	require.Contains(t, body, "/__treeserve/dav/sub/")
	require.NotContains(t, body, ".hidden")
	require.NotContains(t, body, "escape")

	resp = f.get("/__treeserve/dav/sub/b.txt")
	require.Equal(t, http.StatusOK, resp.status)
	require.Equal(t, "world", string(resp.body))

	require.Equal(t, http.StatusNotFound, f.get("/__treeserve/dav/.hidden/s").status)
	require.NotEqual(t, http.StatusOK, f.get("/__treeserve/dav/escape/leak.txt").status)
	require.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPut, "/__treeserve/dav/new.txt", nil).status)
	require.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodDelete, "/__treeserve/dav/plain.txt", nil).status)
}

func TestContentTypeForName(t *testing.T) {
	cases := map[string]string{
		"notes.md":      "text/plain; charset=utf-8",
		"Main.GO":       "text/plain; charset=utf-8",
		"site.tar.gz":   "application/gzip",
		"site.tar":      "application/x-tar",
		"site.zip":      "application/zip",
		"Makefile":      "",
		"photo.webp":    "image/webp",
		"clip.mkv":      "video/x-matroska",
		"weird.unknown": "",
	}
	for name, want := range cases {
		got := contentTypeForName(name)
		if want == "" {
			require.Empty(t, got, name)
			continue
		}
		if strings.HasPrefix(want, "text/") {
			require.Equal(t, want, got, name)
			continue
		}
		// Host mime tables may add parameters.
		mt, _, err := mime.ParseMediaType(got)
		require.NoError(t, err, name)
		require.Equal(t, want, mt, name)
	}
}

func TestEtagMatch(t *testing.T) {
	require.True(t, etagMatch(`"a"`, `"a"`))
	require.True(t, etagMatch(`W/"a"`, `"a"`))
	require.True(t, etagMatch(`"b", "a"`, `"a"`))
	require.True(t, etagMatch(`*`, `"a"`))
	require.False(t, etagMatch(``, `"a"`))
	require.False(t, etagMatch(`"b"`, `"a"`))
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 1536: "1.5 KiB", 5 << 20: "5.0 MiB"}
	keys := make([]int64, 0, len(cases))
	for k := range cases {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		require.Equal(t, cases[k], formatSize(k))
	}
}

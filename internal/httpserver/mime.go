package httpserver

import (
	"mime"
	"path"
	"strings"

	"treeserve/internal/archive"
)

const plainText = "text/plain; charset=utf-8"

// textExts are served as plain text so browsers display them inline.
var textExts = map[string]bool{
	".txt": true, ".log": true, ".md": true, ".csv": true,
	".yaml": true, ".yml": true, ".toml": true, ".ini": true, ".conf": true,
	".go": true, ".mod": true, ".sum": true, ".py": true, ".rs": true,
	".c": true, ".h": true, ".sh": true,
}

// mediaExts covers types that minimal hosts often lack in their mime tables.
var mediaExts = map[string]string{
	".webp": "image/webp",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".tgz":  archive.FormatTarGz.ContentType(),
}

// contentTypeForName picks a Content-Type from a file name, or returns ""
// to leave sniffing to http.ServeContent. Archives use the same types the
// archive downloads are sent with.
func contentTypeForName(name string) string {
	lower := strings.ToLower(name)
	for _, f := range []archive.Format{archive.FormatTarGz, archive.FormatTar, archive.FormatZip} {
		if strings.HasSuffix(lower, f.Ext()) {
			return f.ContentType()
		}
	}
	ext := path.Ext(lower)
	switch {
	case ext == "":
		return ""
	case textExts[ext]:
		return plainText
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return mediaExts[ext]
}

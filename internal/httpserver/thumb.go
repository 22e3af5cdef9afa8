package httpserver

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"treeserve/internal/fsutil"
	"treeserve/internal/logging"
)

const (
	defaultThumbSize = 256
	maxThumbSize     = 1024
	// maxThumbSource bounds the files decoded for a thumbnail.
	maxThumbSource = 64 << 20
	// maxThumbPixels bounds the declared dimensions of a decoded image.
	maxThumbPixels = 40 << 20
)

var errImageTooLarge = errors.New("image dimensions too large")

// handleThumb serves a JPEG preview of the image at the escaped tree path
// rest, resolved exactly like a file request.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request, rest string) {
	if !methodAllowed(w, r) {
		return
	}
	_, res, ok := s.resolveRequest(w, r, rest)
	if !ok {
		return
	}
	if res.Kind != fsutil.KindFile || !isImageExt(strings.ToLower(path.Ext(res.Name()))) {
		http.NotFound(w, r)
		return
	}
	if res.Info.Size() > maxThumbSource {
		http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
		return
	}

	size := defaultThumbSize
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 {
		size = min(v, maxThumbSize)
	}
	b, err := makeThumb(res.Real, size)
	if errors.Is(err, errImageTooLarge) {
		http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Debug("thumbnail failed", zap.String("path", res.Real), zap.Error(err))
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, "", res.Info.ModTime(), bytes.NewReader(b))
}

func makeThumb(absPath string, limit int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// A few bytes of header can declare a huge raster; check before decoding.
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxThumbPixels {
		return nil, errImageTooLarge
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	if limit <= 0 {
		limit = defaultThumbSize
	}

	nw, nh := w, h
	if w > h {
		if w > limit {
			nw = limit
			nh = int(float64(h) * (float64(limit) / float64(w)))
		}
	} else {
		if h > limit {
			nh = limit
			nw = int(float64(w) * (float64(limit) / float64(h)))
		}
	}
	nw = max(nw, 1)
	nh = max(nh, 1)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	enc := jpeg.Options{Quality: 82}
	if err := jpeg.Encode(&out, dst, &enc); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

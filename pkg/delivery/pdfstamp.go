// Local PDF flattening built on pdfcpu watermarks.
//
// Each stamp becomes one watermark anchored at the bottom-left of its page
// with absolute point offsets, so the caller's PDF-space coordinates map
// straight onto wm.Dx/wm.Dy. Image stamps are written to a temp file first
// because pdfcpu reads watermark images from disk.

package delivery

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// defaultTextPoints is the font size used when a text stamp carries none.
const defaultTextPoints = 12

// Flatten copies src to dst and burns every stamp into the page content.
// On failure the partial dst is removed.
func Flatten(src, dst string, stamps []Stamp) error {
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("copy source pdf: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "stampd-flatten-")
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	conf := model.NewDefaultConfiguration()
	for i, s := range stamps {
		var wm *model.Watermark
		switch s.Kind {
		case KindImage:
			wm, err = imageWatermark(s, tmpDir, i)
		case KindText:
			wm, err = textWatermark(s)
		default:
			err = fmt.Errorf("unknown stamp kind %q", s.Kind)
		}
		if err != nil {
			os.Remove(dst)
			return fmt.Errorf("stamp %d: %w", i, err)
		}

		pages := []string{strconv.Itoa(s.Page)}
		if err := api.AddWatermarksFile(dst, "", pages, wm, conf); err != nil {
			os.Remove(dst)
			return fmt.Errorf("stamp %d: apply watermark: %w", i, err)
		}
	}

	return nil
}

// imageWatermark builds a watermark for an image stamp. The image is scaled
// to fit inside the stamp box with its aspect ratio preserved; at scale 1
// pdfcpu renders one pixel per point.
func imageWatermark(s Stamp, tmpDir string, n int) (*model.Watermark, error) {
	ext, data, err := decodeImageData(s.ImageData)
	if err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.New("image has no pixels")
	}

	path := filepath.Join(tmpDir, fmt.Sprintf("stamp-%d%s", n, ext))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write stamp image: %w", err)
	}

	scale := s.Width / float64(cfg.Width)
	if h := s.Height / float64(cfg.Height); h < scale {
		scale = h
	}
	if scale <= 0 {
		return nil, fmt.Errorf("stamp box %gx%g leaves nothing to draw", s.Width, s.Height)
	}

	desc := fmt.Sprintf("scale:%.4f abs, pos:bl, rot:0, op:1", scale)
	wm, err := pdfcpu.ParseImageWatermarkDetails(path, desc, true, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("parse image watermark: %w", err)
	}

	wm.Dx = s.X
	wm.Dy = s.Y
	return wm, nil
}

// textWatermark builds a watermark for a text stamp.
func textWatermark(s Stamp) (*model.Watermark, error) {
	if s.Text == "" {
		return nil, errors.New("text stamp has no text")
	}

	points := s.FontSize
	if points <= 0 {
		points = defaultTextPoints
	}

	desc := fmt.Sprintf("fontname:Helvetica, points:%d, scale:1 abs, pos:bl, rot:0, op:1, col:0 0 0", points)
	wm, err := pdfcpu.ParseTextWatermarkDetails(s.Text, desc, true, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("parse text watermark: %w", err)
	}

	wm.Dx = s.X
	wm.Dy = s.Y
	return wm, nil
}

// decodeImageData splits a base64 data URL into a file extension and raw
// image bytes.
func decodeImageData(dataURL string) (ext string, data []byte, err error) {
	const prefix = "data:image/"
	if !strings.HasPrefix(dataURL, prefix) {
		return "", nil, errors.New("image data is not an image data URL")
	}

	rest := dataURL[len(prefix):]
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", nil, errors.New("malformed data URL: no payload")
	}

	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, errors.New("only base64 data URLs are supported")
	}

	switch strings.TrimSuffix(meta, ";base64") {
	case "png":
		ext = ".png"
	case "jpeg", "jpg":
		ext = ".jpg"
	default:
		return "", nil, fmt.Errorf("unsupported image type %q", strings.TrimSuffix(meta, ";base64"))
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return ext, data, nil
}

// MergeFiles concatenates PDFs into a single output file.
func MergeFiles(files []string, outputPath string) error {
	conf := model.NewDefaultConfiguration()
	return api.MergeCreateFile(files, outputPath, false, conf)
}

// StripBookmarks removes bookmarks from a PDF in place.
func StripBookmarks(pdfPath string) error {
	conf := model.NewDefaultConfiguration()
	return api.RemoveBookmarksFile(pdfPath, pdfPath, conf)
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

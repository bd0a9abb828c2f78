package client

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/editalflow/api/internal/config"
)

// OCRResult is recognised text for a whole document.
type OCRResult struct {
	Text       string  `json:"text"`
	Pages      int     `json:"pages"`
	Confidence float64 `json:"confidence"`
}

// OCRClient rasterises pages with pdftoppm and recognises them with tesseract.
type OCRClient struct {
	pdftoppm  string
	tesseract string
	languages string
	dpi       int
}

func NewOCRClient(cfg *config.OCRConfig) *OCRClient {
	return &OCRClient{
		pdftoppm:  cfg.PdftoppmPath,
		tesseract: cfg.TesseractPath,
		languages: cfg.Languages,
		dpi:       cfg.DPI,
	}
}

// IsConfigured reports whether both binaries are on PATH.
func (c *OCRClient) IsConfigured() bool {
	if _, err := exec.LookPath(c.pdftoppm); err != nil {
		return false
	}
	_, err := exec.LookPath(c.tesseract)
	return err == nil
}

func (c *OCRClient) Recognize(ctx context.Context, data []byte) (OCRResult, error) {
	dir, err := os.MkdirTemp("", "ocr-*")
	if err != nil {
		return OCRResult{}, fmt.Errorf("failed to create ocr workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return OCRResult{}, fmt.Errorf("failed to write ocr input: %w", err)
	}

	prefix := filepath.Join(dir, "page")
	raster := exec.CommandContext(ctx, c.pdftoppm, "-r", strconv.Itoa(c.dpi), "-png", input, prefix)
	if out, err := raster.CombinedOutput(); err != nil {
		return OCRResult{}, c.wrap(ctx, "pdftoppm", err, out)
	}

	images, err := filepath.Glob(prefix + "*.png")
	if err != nil {
		return OCRResult{}, err
	}
	sort.Strings(images)

	var texts []string
	for _, img := range images {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, c.tesseract, img, "stdout", "-l", c.languages)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return OCRResult{}, c.wrap(ctx, "tesseract", err, stderr.Bytes())
		}
		texts = append(texts, strings.TrimSpace(stdout.String()))
	}

	return OCRResult{
		Text:  strings.Join(texts, "\n\n"),
		Pages: len(images),
	}, nil
}

func (c *OCRClient) wrap(ctx context.Context, tool string, err error, output []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", tool, ctx.Err())
	}
	return fmt.Errorf("%s failed: %w: %s", tool, err, strings.TrimSpace(string(output)))
}

// Package attachment turns uploaded files into message content.
package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
)

// MaxImageSide is the longest side an image is downscaled to.
const MaxImageSide = 1568

// File is an uploaded attachment.
type File struct {
	Name string
	Data []byte
}

// Config configures a Preparer. Images become signed URLs only when
// PublicBaseURL, Files and Signer are all set; otherwise they are inlined.
type Config struct {
	PublicBaseURL string
	Files         *FileStore
	Signer        *Signer
}

// Preparer extracts text from documents and normalises images.
type Preparer struct {
	pool   *Pool
	config Config
}

func NewPreparer(pool *Pool, config Config) *Preparer {
	return &Preparer{pool: pool, config: config}
}

// Prepare builds the content of a human message from its text and files.
// Files that cannot be read are skipped; their names are returned.
func (p *Preparer) Prepare(ctx context.Context, userID, text string, files []File) (llm.Content, []string) {
	var (
		blocks  = []string{text}
		images  []llm.ContentPart
		skipped []string
	)
	for _, f := range files {
		switch kind(f.Name) {
		case kindImage:
			url, err := p.image(ctx, userID, f)
			if err != nil {
				slog.Warn("skipping image attachment", "file", f.Name, "err", err)
				skipped = append(skipped, f.Name)
				continue
			}
			images = append(images, llm.ImagePart(url))
		case kindDocument:
			extracted, err := p.extract(ctx, f)
			if err != nil {
				slog.Warn("skipping document attachment", "file", f.Name, "err", err)
				skipped = append(skipped, f.Name)
				continue
			}
			blocks = append(blocks, fmt.Sprintf("--- File: %s ---\n%s", f.Name, extracted))
		default:
			slog.Warn("skipping unsupported attachment", "file", f.Name)
			skipped = append(skipped, f.Name)
		}
	}

	content := llm.Text(strings.TrimSpace(strings.Join(blocks, "\n\n")))
	return append(content, images...), skipped
}

type fileKind int

const (
	kindUnknown fileKind = iota
	kindDocument
	kindImage
)

func kind(name string) fileKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".json", ".csv", ".html", ".htm", ".pdf":
		return kindDocument
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return kindImage
	}
	return kindUnknown
}

// HasImages reports whether any file will be sent to the model as an image.
func HasImages(files []File) bool {
	for _, f := range files {
		if kind(f.Name) == kindImage {
			return true
		}
	}
	return false
}

func (p *Preparer) extract(ctx context.Context, f File) (string, error) {
	var docs []schema.Document
	err := p.pool.Do(ctx, func() error {
		var loader documentloaders.Loader
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".csv":
			loader = documentloaders.NewCSV(bytes.NewReader(f.Data))
		case ".html", ".htm":
			loader = documentloaders.NewHTML(bytes.NewReader(f.Data))
		case ".pdf":
			loader = documentloaders.NewPDF(bytes.NewReader(f.Data), int64(len(f.Data)))
		default:
			loader = documentloaders.NewText(bytes.NewReader(f.Data))
		}
		var err error
		docs, err = loader.Load(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if s := strings.TrimSpace(d.PageContent); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (p *Preparer) image(ctx context.Context, userID string, f File) (string, error) {
	var (
		buf bytes.Buffer
		ext = ".jpg"
	)
	err := p.pool.Do(ctx, func() error {
		img, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
		if err != nil {
			return err
		}
		b := img.Bounds()
		if b.Dx() > MaxImageSide || b.Dy() > MaxImageSide {
			img = imaging.Fit(img, MaxImageSide, MaxImageSide, imaging.Lanczos)
		}
		format := imaging.JPEG
		if strings.EqualFold(filepath.Ext(f.Name), ".png") {
			format, ext = imaging.PNG, ".png"
		}
		return imaging.Encode(&buf, img, format, imaging.JPEGQuality(85))
	})
	if err != nil {
		return "", err
	}

	c := p.config
	if c.PublicBaseURL != "" && c.Files != nil && c.Signer != nil && userID != "" {
		key, err := c.Files.Save(buf.Bytes(), ext)
		if err != nil {
			return "", err
		}
		token, err := c.Signer.Sign(key, userID)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(c.PublicBaseURL, "/") + "/files/" + key + "?token=" + token, nil
	}

	mime := "image/jpeg"
	if ext == ".png" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

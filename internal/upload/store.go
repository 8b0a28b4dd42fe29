// Package upload stores PDF attachments received over HTTP and sweeps
// expired ones from disk.
package upload

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	DefaultMaxSizeBytes = 10 * 1024 * 1024
	pdfMimeType         = "application/pdf"
)

var (
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("only PDF files are allowed")
)

var pdfMagic = []byte("%PDF")

// IsPDF reports whether head, the first bytes of a file, carries the PDF
// signature.
func IsPDF(head []byte) bool {
	return bytes.HasPrefix(head, pdfMagic)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir          string // default ./uploads
	MaxSizeBytes int64  // default 10 MiB
	Logger       *slog.Logger
}

// Store writes uploads into a single directory.
type Store struct {
	dir          string
	maxSizeBytes int64
	logger       *slog.Logger
}

// File describes a stored upload.
type File struct {
	Name      string // name supplied by the client
	Path      string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}

// NewStore creates the upload directory if needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{dir: dir, maxSizeBytes: maxSize, logger: cfg.Logger.With("component", "upload")}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// MaxSizeBytes returns the per-file limit.
func (s *Store) MaxSizeBytes() int64 { return s.maxSizeBytes }

// Save validates and writes one PDF upload. The declared content type must be
// PDF (or generic with a .pdf name) and the content must start with %PDF.
func (s *Store) Save(filename, contentType string, r io.Reader) (*File, error) {
	if !acceptsType(filename, contentType) {
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedType, contentType)
	}

	br := bufio.NewReader(r)
	head, _ := br.Peek(5)
	if !IsPDF(head) {
		return nil, fmt.Errorf("%w: content is not a PDF document", ErrUnsupportedType)
	}

	path := filepath.Join(s.dir, storageName(filename))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	written, err := io.Copy(out, io.LimitReader(br, s.maxSizeBytes+1))
	out.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write file: %w", err)
	}
	if written > s.maxSizeBytes {
		os.Remove(path)
		return nil, fmt.Errorf("%w: limit is %s", ErrTooLarge, humanize.IBytes(uint64(s.maxSizeBytes)))
	}

	f := &File{
		Name:      filename,
		Path:      path,
		MimeType:  pdfMimeType,
		Size:      written,
		CreatedAt: time.Now(),
	}
	s.logger.Info("file stored", "name", filename, "path", path, "size", humanize.IBytes(uint64(written)))
	return f, nil
}

func acceptsType(filename, contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = ""
	}
	switch mt {
	case pdfMimeType:
		return true
	case "", "application/octet-stream":
		return strings.EqualFold(filepath.Ext(filename), ".pdf")
	}
	return false
}

// storageName keeps names unique and sortable by arrival:
// <unix-nanos>-<8 hex>-<sanitized original>.
func storageName(original string) string {
	base := unsafeName.ReplaceAllString(filepath.Base(original), "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "document.pdf"
	}
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixNano(), uuid.NewString()[:8], base)
}

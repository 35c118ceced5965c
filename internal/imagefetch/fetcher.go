// Package imagefetch downloads remote images into scoped temporary files.
package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

const (
	chunkSize       = 8192
	DefaultMaxBytes = 20 << 20
	fallbackMIME    = "image/jpeg"
)

// ErrDownload marks a remote image that could not be retrieved: a non-2xx
// response or a body over the size limit. Transport and local I/O errors do
// not carry it.
var ErrDownload = errors.New("image download failed")

// StatusError carries the upstream status of a rejected download.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string   { return fmt.Sprintf("upstream status %d", e.Code) }
func (e *StatusError) HTTPStatus() int { return e.Code }

type Options struct {
	HTTPClient *http.Client
	// MaxBytes bounds the staged file. Zero means DefaultMaxBytes.
	MaxBytes int64
	// TempDir defaults to os.TempDir().
	TempDir string
}

type Fetcher struct {
	client   *http.Client
	maxBytes int64
	tempDir  string
}

func New(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		// Callers bound each fetch with a context deadline.
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes, tempDir: opts.TempDir}
}

// Image is a downloaded image staged on local disk. Close removes the file.
type Image struct {
	Path     string
	MIMEType string
	Size     int64

	once     sync.Once
	closeErr error
}

func (i *Image) Close() error {
	i.once.Do(func() {
		if err := os.Remove(i.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			i.closeErr = err
		}
	})
	return i.closeErr
}

// Fetch streams rawURL into a temporary file. The caller owns the returned
// Image and must Close it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse image url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported image url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("%w: %w", ErrDownload, &StatusError{Code: res.StatusCode})
	}
	if res.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: content length %d exceeds %d bytes", ErrDownload, res.ContentLength, f.maxBytes)
	}

	mimeType := detectMIME(res.Header.Get("Content-Type"), u.Path)
	tmp, err := os.CreateTemp(f.tempDir, "gemproxy-*"+extensionFor(mimeType, u.Path))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	img := &Image{Path: tmp.Name(), MIMEType: mimeType}

	n, err := copyChunked(tmp, res.Body, f.maxBytes)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp file: %w", cerr)
	}
	if err != nil {
		_ = img.Close()
		return nil, err
	}
	img.Size = n
	return img, nil
}

func copyChunked(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	buf := make([]byte, chunkSize)
	// One byte past the limit tells an exact-size body from an oversize one.
	// The anonymous wrappers hide ReaderFrom/WriterTo so buf sets the chunk size.
	n, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{io.LimitReader(src, limit+1)}, buf)
	if err != nil {
		return n, fmt.Errorf("read image body: %w", err)
	}
	if n > limit {
		return n, fmt.Errorf("%w: body exceeds %d bytes", ErrDownload, limit)
	}
	return n, nil
}

func detectMIME(contentType, urlPath string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(urlPath))); strings.HasPrefix(byExt, "image/") {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	return fallbackMIME
}

func extensionFor(mimeType, urlPath string) string {
	ext := strings.ToLower(path.Ext(urlPath))
	if ext != "" && strings.HasPrefix(mime.TypeByExtension(ext), mimeType) {
		return ext
	}
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/platinummonkey/plugd/pkg/fetch")

// ObjectOpener reads packages addressed by s3:// URLs
type ObjectOpener interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Recorder receives fetch measurements
type Recorder interface {
	RecordFetch(scheme string, bytes int64, duration time.Duration, err error)
}

// Config bounds downloads and extraction
type Config struct {
	// Root is the directory holding one subdirectory per plugin slug
	Root string

	DownloadTimeout   time.Duration
	ExtractTimeout    time.Duration
	MaxArchiveBytes   int64
	MaxExtractedBytes int64
}

// Fetcher downloads plugin packages and extracts them under Root
type Fetcher struct {
	cfg      Config
	client   *http.Client
	objects  ObjectOpener
	recorder Recorder
	logger   *logrus.Logger
}

// New creates a fetcher, creating the root directory if needed. objects may
// be nil, in which case s3:// URLs fail.
func New(cfg Config, objects ObjectOpener, logger *logrus.Logger) (*Fetcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("plugin root directory is required")
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 2 * time.Minute
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = time.Minute
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = 256 << 20
	}
	if cfg.MaxExtractedBytes <= 0 {
		cfg.MaxExtractedBytes = 1 << 30
	}
	if logger == nil {
		logger = logrus.New()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugin root: %w", err)
	}
	cfg.Root = root

	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.DownloadTimeout},
		objects: objects,
		logger:  logger,
	}, nil
}

// SetRecorder installs a metrics recorder
func (f *Fetcher) SetRecorder(r Recorder) {
	f.recorder = r
}

// Root returns the absolute plugins root
func (f *Fetcher) Root() string {
	return f.cfg.Root
}

// Dir returns the directory a slug extracts to
func (f *Fetcher) Dir(slug string) string {
	return filepath.Join(f.cfg.Root, slug)
}

// Fetch downloads packageURL and extracts it to <root>/<slug>, replacing any
// previous contents. On failure nothing is left behind.
func (f *Fetcher) Fetch(ctx context.Context, packageURL, slug string) (dir string, err error) {
	ctx, span := tracer.Start(ctx, "fetch.Fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("plugin.slug", slug),
		attribute.String("package.url", packageURL),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !manifest.IsValidSlug(slug) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}

	target := f.Dir(slug)
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("%w: failed to clear %s: %v", ErrExtractFailed, target, err)
	}

	archive, err := f.download(ctx, packageURL)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	staging, err := os.MkdirTemp(f.cfg.Root, ".staging-"+slug+"-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}
	defer os.RemoveAll(staging)

	extractCtx, cancel := context.WithTimeout(ctx, f.cfg.ExtractTimeout)
	defer cancel()
	if err := extract(extractCtx, archive, staging, f.cfg.MaxExtractedBytes); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}

	src, err := hoist(staging)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}
	if err := os.Rename(src, target); err != nil {
		return "", fmt.Errorf("%w: failed to move package into place: %v", ErrExtractFailed, err)
	}
	if err := os.Chmod(target, 0o755); err != nil {
		os.RemoveAll(target)
		return "", fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}

	f.logger.WithFields(logrus.Fields{"slug": slug, "dir": target}).Info("Extracted plugin package")
	return target, nil
}

// Remove deletes the extracted directory for slug
func (f *Fetcher) Remove(slug string) error {
	if !manifest.IsValidSlug(slug) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	return os.RemoveAll(f.Dir(slug))
}

// download stores the package in a temporary file under the root and returns its path
func (f *Fetcher) download(ctx context.Context, packageURL string) (path string, err error) {
	start := time.Now()
	var (
		scheme = "unknown"
		size   int64
	)
	defer func() {
		if f.recorder != nil {
			f.recorder.RecordFetch(scheme, size, time.Since(start), err)
		}
	}()

	u, err := url.Parse(packageURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid package URL: %v", ErrDownloadFailed, err)
	}
	scheme = strings.ToLower(u.Scheme)

	ctx, cancel := context.WithTimeout(ctx, f.cfg.DownloadTimeout)
	defer cancel()

	body, err := f.open(ctx, scheme, packageURL, u)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(f.cfg.Root, ".download-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer func() {
		tmp.Close()
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	size, err = io.Copy(tmp, io.LimitReader(body, f.cfg.MaxArchiveBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if size > f.cfg.MaxArchiveBytes {
		return "", fmt.Errorf("%w: package exceeds %d bytes", ErrDownloadFailed, f.cfg.MaxArchiveBytes)
	}
	return tmp.Name(), nil
}

func (f *Fetcher) open(ctx context.Context, scheme, raw string, u *url.URL) (io.ReadCloser, error) {
	switch scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s returned status %d", ErrDownloadFailed, raw, resp.StatusCode)
		}
		return resp.Body, nil
	case "s3":
		if f.objects == nil {
			return nil, fmt.Errorf("%w: no object store configured for %s", ErrDownloadFailed, raw)
		}
		rc, err := f.objects.Open(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		return rc, nil
	case "file":
		rc, err := os.Open(u.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrDownloadFailed, scheme)
	}
}

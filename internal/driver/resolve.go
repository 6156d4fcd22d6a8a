package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ValidateURL accepts the URL schemes a page may hand to the helper.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrBadURL
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return ErrBadURL
		}
		return nil
	case "file":
		if u.Path == "" {
			return ErrBadURL
		}
		return nil
	default:
		return ErrBadURL
	}
}

// LocalPath maps a file:// URL to a path.
func LocalPath(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}

// Resolver materialises remote sounds into a cache directory so they can be
// probed and replayed.
type Resolver struct {
	client  *http.Client
	dir     string
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	files map[string]string
	owned bool
}

// NewResolver caches into dir, or a fresh temp directory when dir is empty.
func NewResolver(dir string, client *http.Client, timeout time.Duration, logger *slog.Logger) (*Resolver, error) {
	owned := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "outfox-cache-")
		if err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		dir = tmp
		owned = true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{
		client:  client,
		dir:     dir,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "sound-cache")),
		files:   make(map[string]string),
		owned:   owned,
	}, nil
}

// Fetch returns a local path for rawURL, downloading it on first use.
func (r *Resolver) Fetch(ctx context.Context, rawURL string) (string, error) {
	if p, ok := LocalPath(rawURL); ok {
		return p, nil
	}
	if err := ValidateURL(rawURL); err != nil {
		return "", err
	}
	r.mu.Lock()
	if p, ok := r.files[rawURL]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", ErrBadURL
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrBadURL, resp.StatusCode)
	}

	u, _ := url.Parse(rawURL)
	target := filepath.Join(r.dir, uuid.NewString()+path.Ext(u.Path))
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create cache file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("close cache file: %w", err)
	}

	r.mu.Lock()
	r.files[rawURL] = target
	r.mu.Unlock()
	r.logger.Debug("cached sound", slog.String("url", rawURL), slog.String("path", target))
	return target, nil
}

// Close removes cached files.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owned {
		return os.RemoveAll(r.dir)
	}
	for _, p := range r.files {
		_ = os.Remove(p)
	}
	clear(r.files)
	return nil
}

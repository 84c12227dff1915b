package assetcache

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultURLTemplate = "https://files.kick.com/emotes/%s/fullsize"
	DefaultContentType = "application/octet-stream"

	dataSuffix     = ".data"
	mimetypeSuffix = ".mimetype"
	maxAssetBytes  = 16 << 20
)

var (
	// ErrNotCached is returned when no complete data/mimetype pair exists on disk.
	ErrNotCached = errors.New("assetcache: not cached")
	ErrInvalidID = errors.New("assetcache: invalid asset id")

	validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Asset is a cached blob and its content type.
type Asset struct {
	ContentType string
	Data        []byte
}

// DataURL renders the asset as a data: URL.
func (a Asset) DataURL() string {
	return "data:" + a.ContentType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

type Options struct {
	Dir         string
	URLTemplate string
	HTTP        *http.Client
	Timeout     time.Duration
}

// Cache stores assets as <id>.data and <id>.mimetype pairs under one directory.
// Entries never expire; Clear removes everything.
type Cache struct {
	dir         string
	urlTemplate string
	http        *http.Client

	// mu orders Clear against in-flight reads and writes.
	mu      sync.RWMutex
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker[Asset]

	lookups *prometheus.CounterVec
	fetches *prometheus.CounterVec
}

func New(opts Options) *Cache {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = "emote-cache"
	}
	tmpl := strings.TrimSpace(opts.URLTemplate)
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}
	client := opts.HTTP
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	c := &Cache{
		dir:         dir,
		urlTemplate: tmpl,
		http:        client,
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdeck_asset_lookups_total",
			Help: "Asset cache lookups by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdeck_asset_fetches_total",
			Help: "Remote asset fetches by outcome.",
		}, []string{"outcome"}),
	}
	c.breaker = gobreaker.NewCircuitBreaker[Asset](gobreaker.Settings{
		Name:        "asset-fetch",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var status *StatusError
			return err == nil || (errors.As(err, &status) && status.Code < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("assetcache: breaker %s %s -> %s", name, from, to)
		},
	})
	return c
}

func (c *Cache) Dir() string { return c.dir }

// Collectors exposes the cache counters for registration on a metrics registry.
func (c *Cache) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.lookups, c.fetches}
}

// StatusError is returned when the remote answers with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("assetcache: GET %s: status %d", e.URL, e.Code)
}

// Get reads a cached asset from disk.
func (c *Cache) Get(id string) (Asset, error) {
	if !validID.MatchString(id) {
		return Asset{}, ErrInvalidID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readLocked(id)
}

func (c *Cache) readLocked(id string) (Asset, error) {
	mime, err := os.ReadFile(c.path(id, mimetypeSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return Asset{}, ErrNotCached
		}
		return Asset{}, errors.Wrap(err, "read mimetype")
	}
	data, err := os.ReadFile(c.path(id, dataSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return Asset{}, ErrNotCached
		}
		return Asset{}, errors.Wrap(err, "read data")
	}
	contentType := strings.TrimSpace(string(mime))
	if contentType == "" {
		contentType = DefaultContentType
	}
	return Asset{ContentType: contentType, Data: data}, nil
}

// ReadDataURL returns the cached asset as a data: URL, or ErrNotCached.
func (c *Cache) ReadDataURL(id string) (string, error) {
	asset, err := c.Get(id)
	if err != nil {
		return "", err
	}
	return asset.DataURL(), nil
}

// Put stores caller-provided bytes. The data file is written before the
// mimetype file, and a pair only counts as cached once the mimetype exists.
func (c *Cache) Put(id string, data []byte, contentType string) error {
	if !validID.MatchString(id) {
		return ErrInvalidID
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = DefaultContentType
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "create cache dir")
	}
	_ = os.Remove(c.path(id, mimetypeSuffix))
	if err := writeFileAtomic(c.path(id, dataSuffix), data); err != nil {
		return errors.Wrap(err, "write data")
	}
	if err := writeFileAtomic(c.path(id, mimetypeSuffix), []byte(contentType)); err != nil {
		return errors.Wrap(err, "write mimetype")
	}
	return nil
}

// Fetch downloads an asset without touching the disk cache.
func (c *Cache) Fetch(ctx context.Context, id string) (Asset, error) {
	if !validID.MatchString(id) {
		return Asset{}, ErrInvalidID
	}
	asset, err := c.breaker.Execute(func() (Asset, error) {
		return c.download(ctx, id)
	})
	switch {
	case err == nil:
		c.fetches.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		c.fetches.WithLabelValues("rejected").Inc()
	default:
		c.fetches.WithLabelValues("error").Inc()
	}
	return asset, err
}

// GetOrFetch returns the cached asset, fetching and caching it on a miss.
// Concurrent misses for the same id share one download.
func (c *Cache) GetOrFetch(ctx context.Context, id string) (Asset, error) {
	asset, err := c.Get(id)
	if err == nil {
		c.lookups.WithLabelValues("hit").Inc()
		return asset, nil
	}
	if !errors.Is(err, ErrNotCached) {
		return Asset{}, err
	}
	c.lookups.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(id, func() (any, error) {
		if cached, err := c.Get(id); err == nil {
			return cached, nil
		}
		fetched, err := c.Fetch(ctx, id)
		if err != nil {
			return Asset{}, err
		}
		if err := c.Put(id, fetched.Data, fetched.ContentType); err != nil {
			return Asset{}, err
		}
		return fetched, nil
	})
	if err != nil {
		return Asset{}, err
	}
	return v.(Asset), nil
}

// Clear removes the cache directory and everything in it.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Wrap(os.RemoveAll(c.dir), "clear cache")
}

func (c *Cache) download(ctx context.Context, id string) (Asset, error) {
	url := fmt.Sprintf(c.urlTemplate, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Asset{}, errors.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Asset{}, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Asset{}, &StatusError{URL: url, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return Asset{}, errors.Wrap(err, "read body")
	}
	if len(data) > maxAssetBytes {
		return Asset{}, errors.Errorf("asset %s exceeds %d bytes", id, maxAssetBytes)
	}
	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = DefaultContentType
	}
	return Asset{ContentType: contentType, Data: data}, nil
}

func (c *Cache) path(id, suffix string) string {
	return filepath.Join(c.dir, id+suffix)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// Package hub downloads model repository files from a Hugging Face compatible
// hub into a local cache.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/born-ml/modelprep/internal/logger"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultEndpoint is the public Hugging Face hub.
const DefaultEndpoint = "https://huggingface.co"

// Client fetches files from a model hub.
type Client struct {
	Endpoint    string       // Hub base URL
	Token       string       // Bearer token, empty for anonymous access
	CacheDir    string       // Root of the local file cache
	Revision    string       // Branch, tag or commit (default "main")
	Concurrency int          // Parallel downloads in Snapshot (default 4)
	Progress    bool         // Render a progress bar per download
	ProgressOut io.Writer    // Progress bar destination (default os.Stderr)
	HTTPClient  *http.Client // Default: no overall timeout, downloads can be large
}

// NewClient creates a client with default revision and concurrency.
func NewClient(endpoint, cacheDir string) *Client {
	return &Client{
		Endpoint:    endpoint,
		CacheDir:    cacheDir,
		Revision:    "main",
		Concurrency: 4,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

func (c *Client) revision() string {
	if c.Revision == "" {
		return "main"
	}
	return c.Revision
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

// FileURL returns the download URL of file in repo at the client's revision.
func (c *Client) FileURL(repo, file string) string {
	endpoint := strings.TrimRight(c.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", endpoint, repo, url.PathEscape(c.revision()), file)
}

// CachePath returns where file of repo is cached. "org/name" maps to
// "org--name" so every repository gets a single directory level.
func (c *Client) CachePath(repo, file string) string {
	return filepath.Join(
		c.CacheDir,
		strings.ReplaceAll(repo, "/", "--"),
		strings.ReplaceAll(c.revision(), "/", "--"),
		filepath.FromSlash(file),
	)
}

// Download fetches one file and returns its local path. A file already in
// the cache is returned without touching the network.
func (c *Client) Download(ctx context.Context, repo, file string) (string, error) {
	dest := c.CachePath(repo, file)
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		logger.Log.Debug("hub cache hit", "repo", repo, "file", file)
		return dest, nil
	}

	fileURL := c.FileURL(repo, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("User-Agent", "modelprep")

	logger.Log.Debug("hub download", "url", fileURL)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", file, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s/%s: %w", repo, file, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%s/%s: %w", repo, file, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &StatusError{URL: fileURL, Code: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if c.Progress {
		bar := newProgressBar(c.progressOut(), resp.ContentLength, file)
		defer func() { _ = bar.Finish() }()
		body = io.TeeReader(resp.Body, bar)
	}

	err = fsutil.WriteAtomic(dest, func(w io.Writer) error {
		n, err := io.Copy(w, body)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", file, err)
		}
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			return fmt.Errorf("failed to download %s: got %d of %d bytes", file, n, resp.ContentLength)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

func (c *Client) progressOut() io.Writer {
	if c.ProgressOut == nil {
		return os.Stderr
	}
	return c.ProgressOut
}

// Snapshot downloads the required and optional files of repo concurrently and
// returns their local paths keyed by file name. Optional files missing from
// the repository are skipped; any other failure cancels the remaining
// downloads.
func (c *Client) Snapshot(ctx context.Context, repo string, required, optional []string) (map[string]string, error) {
	limit := c.Concurrency
	if limit < 1 {
		limit = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	paths := make(map[string]string, len(required)+len(optional))

	fetch := func(file string, isOptional bool) {
		g.Go(func() error {
			path, err := c.Download(ctx, repo, file)
			if err != nil {
				if isOptional && errors.Is(err, ErrNotFound) {
					logger.Log.Debug("optional file absent", "repo", repo, "file", file)
					return nil
				}
				return err
			}
			mu.Lock()
			paths[file] = path
			mu.Unlock()
			return nil
		})
	}
	for _, f := range required {
		fetch(f, false)
	}
	for _, f := range optional {
		fetch(f, true)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// Resolve returns local paths for the files of a model. A model identifier
// naming an existing directory is used in place; anything else is treated as
// a hub repository and fetched with Snapshot.
func (c *Client) Resolve(ctx context.Context, model string, required, optional []string) (map[string]string, error) {
	info, err := os.Stat(model)
	if err != nil || !info.IsDir() {
		return c.Snapshot(ctx, model, required, optional)
	}

	paths := make(map[string]string, len(required)+len(optional))
	for _, f := range required {
		p := filepath.Join(model, filepath.FromSlash(f))
		if !fsutil.Exists(p) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		paths[f] = p
	}
	for _, f := range optional {
		p := filepath.Join(model, filepath.FromSlash(f))
		if fsutil.Exists(p) {
			paths[f] = p
		}
	}
	return paths, nil
}

func newProgressBar(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprintln(w)
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Package download fetches bootloader source archives over HTTP(S) or from
// local paths, verifies their checksums and unpacks them.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	urlpath "path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the package logger
func SetLogger(l *logs.Logger) {
	log = l
}

// ProgressCallback is called with download progress updates.
// totalBytes is -1 when the size is unknown.
type ProgressCallback func(bytesReceived, totalBytes int64)

// Options configures a Fetcher
type Options struct {
	HTTPClient  *http.Client
	UserAgent   string
	BytesPerSec int64 // 0 = unlimited
	Progress    ProgressCallback
}

// Fetcher downloads source archives
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	limiter    *rateLimiter
	progress   ProgressCallback
}

// Result describes a fetched file
type Result struct {
	Path     string
	Checksum string // hex sha256
	Size     int64
	Duration time.Duration
}

// NewFetcher creates a new fetcher
func NewFetcher(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 0, // No timeout for downloads; the context bounds them
		}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "grubimage"
	}
	return &Fetcher{
		httpClient: client,
		userAgent:  ua,
		limiter:    newRateLimiter(opts.BytesPerSec),
		progress:   opts.Progress,
	}
}

// FileName returns the file name a source URL will be saved under
func FileName(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		if name := urlpath.Base(u.Path); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return filepath.Base(source)
}

// Fetch retrieves source into dir and returns the saved file with its sha256.
// Supported sources are http(s) URLs, file:// URLs and plain local paths.
// Failures are reported as ErrFetchFailed and are not retried.
func (f *Fetcher) Fetch(ctx context.Context, source, dir string) (*Result, error) {
	start := time.Now()

	body, total, err := f.open(ctx, source)
	if err != nil {
		return nil, errors.ErrFetchFailed.WithMessagef("failed to fetch %s", source).WithCause(err)
	}
	defer body.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.ErrFetchFailed.WithMessagef("failed to create %s", dir).WithCause(err)
	}
	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return nil, errors.ErrFetchFailed.WithMessage("failed to create temp file").WithCause(err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		tmp.Close()
		if !keep {
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	writer := io.MultiWriter(tmp, hash)

	var received int64
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil, errors.ErrFetchFailed.WithMessagef("fetch of %s interrupted", source).WithCause(ctx.Err())
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if err := f.limiter.Wait(ctx, n); err != nil {
				return nil, errors.ErrFetchFailed.WithMessagef("fetch of %s interrupted", source).WithCause(err)
			}
			if _, err := writer.Write(buf[:n]); err != nil {
				return nil, errors.ErrFetchFailed.WithMessage("failed to write to temp file").WithCause(err)
			}
			received += int64(n)
			if f.progress != nil {
				f.progress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.ErrFetchFailed.WithMessagef("failed to read %s", source).WithCause(readErr)
		}
	}

	if err := tmp.Close(); err != nil {
		return nil, errors.ErrFetchFailed.WithMessage("failed to close temp file").WithCause(err)
	}

	dest := filepath.Join(dir, FileName(source))
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, errors.ErrFetchFailed.WithMessagef("failed to move download to %s", dest).WithCause(err)
	}
	keep = true

	res := &Result{
		Path:     dest,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
		Size:     received,
		Duration: time.Since(start),
	}
	log.Debug("Fetched source", "source", source, "size", res.Size, "sha256", res.Checksum, "duration", res.Duration)
	return res, nil
}

func (f *Fetcher) open(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := source
		if err == nil && u.Scheme == "file" {
			path = u.Path
		}
		file, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, 0, err
		}
		return file, info.Size(), nil
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, 0, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// Verify compares the fetched checksum with an expected sha256. An empty
// expectation accepts anything.
func Verify(res *Result, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(expected, "sha256:")))
	if expected == "" {
		return nil
	}
	if res.Checksum != expected {
		return errors.ErrChecksumMismatch.WithMessagef("%s: expected sha256 %s, got %s",
			filepath.Base(res.Path), expected, res.Checksum)
	}
	return nil
}

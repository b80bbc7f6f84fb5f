package download

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/testutil"
	"github.com/ulikunitz/xz"
)

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFetch_HTTP(t *testing.T) {
	payload := bytes.Repeat([]byte("grub"), 50000)
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if r.URL.Path != "/gnu/grub/grub-2.06.tar.xz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	var lastReceived int64
	f := NewFetcher(Options{
		UserAgent: "grubimage/test",
		Progress:  func(received, _ int64) { lastReceived = received },
	})

	dir := t.TempDir()
	res, err := f.Fetch(context.Background(), srv.URL+"/gnu/grub/grub-2.06.tar.xz", dir)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if res.Path != filepath.Join(dir, "grub-2.06.tar.xz") {
		t.Errorf("Path = %q", res.Path)
	}
	if res.Size != int64(len(payload)) || lastReceived != res.Size {
		t.Errorf("Size = %d, progress = %d, want %d", res.Size, lastReceived, len(payload))
	}
	if res.Checksum != sha(payload) {
		t.Errorf("Checksum = %s, want %s", res.Checksum, sha(payload))
	}
	if gotUA != "grubimage/test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if err := Verify(res, "sha256:"+strings.ToUpper(sha(payload))); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the fetched file in %s, found %d entries", dir, len(entries))
	}
}

func TestFetch_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tests := []struct {
		name   string
		source string
	}{
		{"http status", srv.URL + "/grub.tar.gz"},
		{"missing local file", filepath.Join(dir, "nope.tar.gz")},
		{"unsupported scheme", "ftp://ftp.gnu.org/gnu/grub/grub-2.06.tar.xz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := t.TempDir()
			_, err := NewFetcher(Options{}).Fetch(context.Background(), tt.source, out)
			if !errors.Is(err, errors.ErrFetchFailed) {
				t.Fatalf("Fetch() error = %v, want ErrFetchFailed", err)
			}
			if errors.GetExitCode(err) != errors.ExitProvider {
				t.Errorf("exit code = %d", errors.GetExitCode(err))
			}
			entries, _ := os.ReadDir(out)
			if len(entries) != 0 {
				t.Errorf("failed fetch left %d files behind", len(entries))
			}
		})
	}
}

func TestFetch_LocalAndFileURL(t *testing.T) {
	src := testutil.WriteFile(t, filepath.Join(t.TempDir(), "grub-2.06.tar"), []byte("local archive"), 0644)

	for _, source := range []string{src, "file://" + src} {
		res, err := NewFetcher(Options{}).Fetch(context.Background(), source, t.TempDir())
		if err != nil {
			t.Fatalf("Fetch(%s) error = %v", source, err)
		}
		if res.Checksum != sha([]byte("local archive")) || filepath.Base(res.Path) != "grub-2.06.tar" {
			t.Errorf("Fetch(%s) = %+v", source, res)
		}
	}
}

func TestFetch_Cancelled(t *testing.T) {
	src := testutil.WriteFile(t, filepath.Join(t.TempDir(), "big.tar"), make([]byte, 1<<20), 0644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := t.TempDir()
	if _, err := NewFetcher(Options{}).Fetch(ctx, src, out); !errors.Is(err, errors.ErrFetchFailed) {
		t.Fatalf("Fetch() error = %v, want ErrFetchFailed", err)
	}
	if entries, _ := os.ReadDir(out); len(entries) != 0 {
		t.Errorf("cancelled fetch left %d files behind", len(entries))
	}
}

func TestVerify(t *testing.T) {
	res := &Result{Path: "/x/grub.tar.xz", Checksum: sha([]byte("a"))}

	if err := Verify(res, ""); err != nil {
		t.Errorf("Verify(empty) error = %v", err)
	}
	if err := Verify(res, sha([]byte("b"))); !errors.Is(err, errors.ErrChecksumMismatch) {
		t.Errorf("Verify(wrong) error = %v, want ErrChecksumMismatch", err)
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"https://ftp.gnu.org/gnu/grub/grub-2.06.tar.xz": "grub-2.06.tar.xz",
		"https://mirror/grub.tar.gz?token=abc":          "grub.tar.gz",
		"/srv/mirror/grub-2.12.tar.gz":                  "grub-2.12.tar.gz",
		"file:///srv/mirror/grub-2.04.tar.gz":           "grub-2.04.tar.gz",
	}
	for in, want := range tests {
		if got := FileName(in); got != want {
			t.Errorf("FileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractArchive_TarGz(t *testing.T) {
	dir := t.TempDir()
	archive := testutil.WriteFile(t, filepath.Join(dir, "grub-2.06.tar.gz"), testutil.TarGz(t, "grub-2.06", map[string]string{
		"configure":        "#!/bin/sh\n",
		"grub-core/boot.S": "boot",
	}), 0644)

	src, err := ExtractArchive(context.Background(), archive, filepath.Join(dir, "src"))
	if err != nil {
		t.Fatalf("ExtractArchive() error = %v", err)
	}
	if src != filepath.Join(dir, "src", "grub-2.06") {
		t.Errorf("source dir = %q", src)
	}
	data, err := os.ReadFile(filepath.Join(src, "grub-core", "boot.S"))
	if err != nil || string(data) != "boot" {
		t.Errorf("extracted content = %q, %v", data, err)
	}
	if info, err := os.Stat(filepath.Join(src, "configure")); err != nil || info.Mode().Perm()&0100 == 0 {
		t.Errorf("configure not executable: %v", err)
	}
}

func TestExtractArchive_TarXz(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	_ = tw.WriteHeader(&tar.Header{Name: "README", Typeflag: tar.TypeReg, Mode: 0644, Size: 5})
	_, _ = tw.Write([]byte("hello"))
	_ = tw.Close()

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = xw.Write(tarBuf.Bytes())
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	archive := testutil.WriteFile(t, filepath.Join(dir, "flat.tar.xz"), xzBuf.Bytes(), 0644)
	dest := filepath.Join(dir, "out")

	src, err := ExtractArchive(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("ExtractArchive() error = %v", err)
	}
	if src != dest {
		t.Errorf("source dir = %q, want %q", src, dest)
	}
	if data, _ := os.ReadFile(filepath.Join(dest, "README")); string(data) != "hello" {
		t.Errorf("README = %q", data)
	}
}

func TestExtractArchive_RejectsTraversal(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	_ = tw.WriteHeader(&tar.Header{Name: "../escape", Typeflag: tar.TypeReg, Mode: 0644, Size: 1})
	_, _ = tw.Write([]byte("x"))
	_ = tw.Close()

	dir := t.TempDir()
	archive := testutil.WriteFile(t, filepath.Join(dir, "evil.tar"), tarBuf.Bytes(), 0644)

	_, err := ExtractArchive(context.Background(), archive, filepath.Join(dir, "out"))
	if !errors.Is(err, errors.ErrExtractFailed) {
		t.Fatalf("ExtractArchive() error = %v, want ErrExtractFailed", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); err == nil {
		t.Error("traversal entry was written outside the destination")
	}
}

func TestExtractArchive_Unsupported(t *testing.T) {
	archive := testutil.WriteFile(t, filepath.Join(t.TempDir(), "grub.zip"), []byte("PK"), 0644)
	if _, err := ExtractArchive(context.Background(), archive, t.TempDir()); !errors.Is(err, errors.ErrExtractFailed) {
		t.Errorf("ExtractArchive() error = %v", err)
	}
	if IsArchive("grub.zip") || !IsArchive("grub-2.06.tar.xz") {
		t.Error("IsArchive() misclassified")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(0)
	if err := rl.Wait(context.Background(), 1<<30); err != nil {
		t.Errorf("unlimited Wait() error = %v", err)
	}

	rl = newRateLimiter(65536)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// First burst is free, the second needs about a second of refill.
	if err := rl.Wait(ctx, 65536); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if err := rl.Wait(ctx, 65536); err == nil {
		t.Error("expected second Wait() to hit the deadline")
	}
}

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		received, total int64
		want            string
	}{
		{512, -1, "512 B"},
		{1536, 0, "1.5 KiB"},
		{1 << 20, 4 << 20, "1.0 MiB / 4.0 MiB (25%)"},
	}
	for _, tt := range tests {
		if got := FormatProgress(tt.received, tt.total); got != tt.want {
			t.Errorf("FormatProgress(%d, %d) = %q, want %q", tt.received, tt.total, got, tt.want)
		}
	}

	var buf bytes.Buffer
	if NewTerminalProgress(&buf, "fetch") != nil {
		t.Error("expected no progress callback for a non-terminal writer")
	}
}

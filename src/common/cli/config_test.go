package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestInitConfig_MissingFileIsNotAnError(t *testing.T) {
	v := viper.New()
	opts := DefaultConfigOptions("grubimage-does-not-exist", "")
	opts.SearchPaths = []string{t.TempDir()}

	if err := InitConfig(v, opts); err != nil {
		t.Fatalf("InitConfig() error = %v", err)
	}
}

func TestInitConfig_ExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grubimage.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  dir: /tmp/gi-cache\n"), 0644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	opts := DefaultConfigOptions("grubimage", "")
	opts.ConfigFile = path

	if err := InitConfig(v, opts); err != nil {
		t.Fatalf("InitConfig() error = %v", err)
	}
	if got := v.GetString("cache.dir"); got != "/tmp/gi-cache" {
		t.Errorf("cache.dir = %q, want /tmp/gi-cache", got)
	}
}

func TestInitConfig_BrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grubimage.yaml")
	if err := os.WriteFile(path, []byte("cache: [unterminated\n"), 0644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	opts := DefaultConfigOptions("grubimage", "")
	opts.ConfigFile = path

	if err := InitConfig(v, opts); err == nil {
		t.Fatal("expected error for unparsable config file")
	}
}

func TestInitConfig_EnvOverride(t *testing.T) {
	t.Setenv("GITEST_CACHE_MAX_SIZE_MB", "64")

	v := viper.New()
	opts := DefaultConfigOptions("grubimage-none", "GITEST")
	opts.SearchPaths = []string{t.TempDir()}
	if err := InitConfig(v, opts); err != nil {
		t.Fatalf("InitConfig() error = %v", err)
	}

	if got := v.GetInt("cache.max-size-mb"); got != 64 {
		t.Errorf("cache.max-size-mb = %d, want 64", got)
	}
}

func TestRegisterLogFlags(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	RegisterLogFlags(v, cmd)

	if err := cmd.PersistentFlags().Set("log-level", "debug"); err != nil {
		t.Fatal(err)
	}
	if got := v.GetString("log.level"); got != "debug" {
		t.Errorf("log.level = %q, want debug", got)
	}
	if got := v.GetString("log.output"); got != "auto" {
		t.Errorf("log.output = %q, want auto", got)
	}

	logger := InitLogger(v, "test")
	if logger == nil {
		t.Fatal("InitLogger() returned nil")
	}
}

package kernel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/testutil"
)

func testPlan(dir string, args ...string) *config.BuildPlan {
	return &config.BuildPlan{
		KernelBuildCommand: []string{"build"},
		ExtraBuildArgs:     args,
		Target:             "x86_64-unknown-none",
		TargetExplicit:     true,
		Profile:            "debug",
		BinName:            "kernel",
		ProjectDir:         dir,
	}
}

func TestResolveTool(t *testing.T) {
	t.Setenv("CARGO", "")
	if got := ResolveTool(""); got != DefaultTool {
		t.Errorf("ResolveTool() = %q, want %q", got, DefaultTool)
	}

	t.Setenv("CARGO", "/opt/rust/bin/cargo")
	if got := ResolveTool(""); got != "/opt/rust/bin/cargo" {
		t.Errorf("ResolveTool() = %q, want $CARGO", got)
	}
	if got := ResolveTool("xargo"); got != "xargo" {
		t.Errorf("ResolveTool() = %q, want configured tool", got)
	}
}

func TestInvoker_Command(t *testing.T) {
	inv := NewInvoker(Options{Tool: "cargo", JSONArtifacts: true})

	got := inv.Command(testPlan("/p", "--release"))
	want := []string{"cargo", "build", "--release", jsonMessageFormat}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Command() = %v, want %v", got, want)
	}

	got = inv.Command(testPlan("/p", "--message-format", "json"))
	want = []string{"cargo", "build", "--message-format", "json"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Command() = %v, want %v", got, want)
	}
}

func TestInvoker_Build_JSONArtifact(t *testing.T) {
	dir := t.TempDir()
	kernelPath := testutil.WriteFile(t, filepath.Join(dir, "out", "kernel"),
		testutil.Kernel(testutil.KernelOptions{Multiboot: 2, Size: 8192}), 0755)
	argsFile := filepath.Join(dir, "args")

	tool := testutil.Script(t, dir, "fake-cargo", fmt.Sprintf(`
echo "$@" > %q
echo "   Compiling kernel v0.1.0"
echo "warning: unused variable" >&2
echo '{"reason":"compiler-artifact","executable":null}'
echo '{"reason":"compiler-artifact","executable":"%s"}'
printf "    Finished dev profile"
`, argsFile, kernelPath))

	var stdout, stderr bytes.Buffer
	inv := NewInvoker(Options{Tool: tool, Stdout: &stdout, Stderr: &stderr, JSONArtifacts: true})

	a, err := inv.Build(context.Background(), testPlan(dir, "--features", "serial"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if a.BinaryPath != kernelPath {
		t.Errorf("BinaryPath = %q, want %q", a.BinaryPath, kernelPath)
	}
	if a.EntryFormat != FormatELF || a.Multiboot != MultibootV2 {
		t.Errorf("format = %s/%v", a.EntryFormat, a.Multiboot)
	}

	out := stdout.String()
	if !strings.Contains(out, "Compiling kernel") || !strings.HasSuffix(out, "Finished dev profile") {
		t.Errorf("stdout not forwarded: %q", out)
	}
	if strings.Contains(out, "compiler-artifact") {
		t.Errorf("JSON messages leaked to stdout: %q", out)
	}
	if !strings.Contains(stderr.String(), "warning: unused variable") {
		t.Errorf("stderr not forwarded: %q", stderr.String())
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(args)); got != "build --features serial "+jsonMessageFormat {
		t.Errorf("tool args = %q", got)
	}
}

func TestInvoker_Build_DirectoryFallback(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "target", "x86_64-unknown-none", "debug")
	testutil.WriteFile(t, filepath.Join(outDir, "kernel.d"), []byte("deps"), 0644)
	old := testutil.WriteFile(t, filepath.Join(outDir, "older"), testutil.Kernel(testutil.KernelOptions{Size: 512}), 0755)
	newest := testutil.WriteFile(t, filepath.Join(outDir, "newest"), testutil.Kernel(testutil.KernelOptions{Size: 512}), 0755)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	tool := testutil.Script(t, dir, "fake-cargo", "exit 0")
	t.Setenv("CARGO_TARGET_DIR", "")

	plan := testPlan(dir)
	plan.BinName = "not-built"

	a, err := NewInvoker(Options{Tool: tool}).Build(context.Background(), plan)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if a.BinaryPath != newest {
		t.Errorf("BinaryPath = %q, want newest %q", a.BinaryPath, newest)
	}

	plan.BinName = "older"
	a, err = NewInvoker(Options{Tool: tool}).Build(context.Background(), plan)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if a.BinaryPath != old {
		t.Errorf("BinaryPath = %q, want named %q", a.BinaryPath, old)
	}
}

func TestInvoker_Build_Failures(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name       string
		tool       string
		want       *errors.Error
		wantStatus int
	}{
		{"non-zero exit", testutil.Script(t, dir, "fail", "echo 'error[E0425]' >&2; exit 101"), errors.ErrKernelBuildFailed, 101},
		{"no artifact", testutil.Script(t, dir, "nothing", "exit 0"), errors.ErrArtifactNotFound, -1},
		{"missing tool", filepath.Join(dir, "does-not-exist"), errors.ErrKernelExecFailed, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			_, err := NewInvoker(Options{Tool: tt.tool, Stderr: &stderr}).Build(context.Background(), testPlan(dir))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
			if got := errors.GetStatus(err); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
			if errors.GetExitCode(err) != errors.ExitKernelBuild {
				t.Errorf("exit code = %d, want %d", errors.GetExitCode(err), errors.ExitKernelBuild)
			}
		})
	}
}

func TestInvoker_Build_Interrupted(t *testing.T) {
	dir := t.TempDir()
	tool := testutil.Script(t, dir, "slow", "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewInvoker(Options{Tool: tool}).Build(ctx, testPlan(dir))
	if !errors.Is(err, errors.ErrInterrupted) {
		t.Fatalf("Build() error = %v, want ErrInterrupted", err)
	}
}

func TestOutputDir(t *testing.T) {
	t.Setenv("CARGO_TARGET_DIR", "")

	tests := []struct {
		name string
		plan config.BuildPlan
		want string
	}{
		{"host debug", config.BuildPlan{ProjectDir: "/p", Profile: "debug"}, "/p/target/debug"},
		{"explicit target", config.BuildPlan{ProjectDir: "/p", Profile: "release", Target: "x86_64-unknown-none", TargetExplicit: true}, "/p/target/x86_64-unknown-none/release"},
		{"target spec file", config.BuildPlan{ProjectDir: "/p", Profile: "debug", Target: "specs/x86_64-os.json", TargetExplicit: true}, "/p/target/x86_64-os/debug"},
		{"target dir env", config.BuildPlan{ProjectDir: "/p", Env: map[string]string{"CARGO_TARGET_DIR": "build"}}, "/p/build/debug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutputDir(&tt.plan); got != tt.want {
				t.Errorf("OutputDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArtifactScanner_SplitWrites(t *testing.T) {
	var out bytes.Buffer
	s := newArtifactScanner(&out)

	_, _ = s.Write([]byte(`{"reason":"compiler-art`))
	_, _ = s.Write([]byte("ifact\",\"executable\":\"/k\"}\nplain "))
	_, _ = s.Write([]byte("line\n{not json}\n"))
	s.Flush()

	if got := s.Executables(); !reflect.DeepEqual(got, []string{"/k"}) {
		t.Errorf("Executables() = %v", got)
	}
	if got := out.String(); got != "plain line\n{not json}\n" {
		t.Errorf("forwarded = %q", got)
	}
}

func TestRunnerPaths(t *testing.T) {
	tests := []struct {
		path   string
		test   bool
		target string
	}{
		{"/p/target/x86_64-unknown-none/debug/kernel", false, "x86_64-unknown-none"},
		{"/p/target/x86_64-unknown-none/debug/deps/kernel-1f2e3d", true, "x86_64-unknown-none"},
		{"/p/target/i686-custom-kernel/release/deps/basic_boot-77", true, "i686-custom-kernel"},
		{"/p/target/debug/kernel", false, ""},
		{"/p/target/debug/deps/kernel-1f2e3d", true, ""},
		{"kernel", false, ""},
	}
	for _, tt := range tests {
		if got := IsTestBinary(tt.path); got != tt.test {
			t.Errorf("IsTestBinary(%q) = %v, want %v", tt.path, got, tt.test)
		}
		if got := TargetFromPath(tt.path); got != tt.target {
			t.Errorf("TargetFromPath(%q) = %q, want %q", tt.path, got, tt.target)
		}
	}
}

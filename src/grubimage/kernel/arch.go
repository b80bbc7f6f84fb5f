package kernel

import (
	"runtime"
	"strings"
)

// HostArch represents the detected host machine architecture
type HostArch string

const (
	HostArchX86_64  HostArch = "x86_64"
	HostArchI686    HostArch = "i686"
	HostArchAARCH64 HostArch = "aarch64"
	HostArchRISCV64 HostArch = "riscv64gc"
)

var goArchToHost = map[string]HostArch{
	"amd64":   HostArchX86_64,
	"386":     HostArchI686,
	"arm64":   HostArchAARCH64,
	"riscv64": HostArchRISCV64,
}

var goOSToVendorSys = map[string]string{
	"linux":   "unknown-linux-gnu",
	"darwin":  "apple-darwin",
	"freebsd": "unknown-freebsd",
	"netbsd":  "unknown-netbsd",
	"openbsd": "unknown-openbsd",
}

// DetectHostArch returns the host architecture in target-triple spelling
func DetectHostArch() HostArch {
	if arch, ok := goArchToHost[runtime.GOARCH]; ok {
		return arch
	}
	return HostArch(runtime.GOARCH)
}

// HostTriple returns the target triple of the machine grubimage runs on.
// It is the target the build tool uses when none is requested.
func HostTriple() string {
	sys, ok := goOSToVendorSys[runtime.GOOS]
	if !ok {
		sys = "unknown-" + runtime.GOOS
	}
	return string(DetectHostArch()) + "-" + sys
}

// TripleArch returns the architecture component of a target triple
func TripleArch(triple string) string {
	arch, _, _ := strings.Cut(triple, "-")
	return arch
}

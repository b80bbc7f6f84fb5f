package errors

// Common error codes used across domains
const (
	CodeNotFound    Code = "not_found"
	CodeMalformed   Code = "malformed"
	CodeInternal    Code = "internal_error"
	CodeUnavailable Code = "unavailable"
	CodeInterrupted Code = "interrupted"
)

// ============================================================================
// Configuration Errors
// ============================================================================

var (
	// ErrConfigMalformed is returned when the grubimage metadata block has the wrong shape
	ErrConfigMalformed = New(DomainConfig, CodeMalformed, ExitConfig,
		"Malformed grubimage metadata")

	// ErrManifestNotFound is returned when no project manifest can be located
	ErrManifestNotFound = New(DomainConfig, "manifest_not_found", ExitConfig,
		"Project manifest not found")

	// ErrManifestInvalid is returned when the project manifest cannot be parsed
	ErrManifestInvalid = New(DomainConfig, "manifest_invalid", ExitConfig,
		"Project manifest could not be parsed")

	// ErrUnknownBootloader is returned when the requested bootloader has no definition
	ErrUnknownBootloader = New(DomainConfig, "unknown_bootloader", ExitConfig,
		"Unknown bootloader")

	// ErrUnsupportedVersion is returned when the requested bootloader version is not known
	ErrUnsupportedVersion = New(DomainConfig, "unsupported_version", ExitConfig,
		"Unsupported bootloader version")

	// ErrInvalidDefinition is returned when a custom bootloader definition is incomplete
	ErrInvalidDefinition = New(DomainConfig, "invalid_definition", ExitConfig,
		"Invalid bootloader definition")
)

// ============================================================================
// Kernel Build Errors
// ============================================================================

var (
	// ErrKernelBuildFailed is returned when the kernel build tool exits non-zero
	ErrKernelBuildFailed = New(DomainBuild, "kernel_build_failed", ExitKernelBuild,
		"Kernel build failed")

	// ErrKernelExecFailed is returned when the kernel build tool cannot be started
	ErrKernelExecFailed = New(DomainBuild, "exec_failed", ExitKernelBuild,
		"Kernel build tool could not be started")

	// ErrArtifactNotFound is returned when the build succeeded but no kernel binary was found
	ErrArtifactNotFound = New(DomainBuild, "artifact_not_found", ExitKernelBuild,
		"Kernel artifact not found")
)

// ============================================================================
// Bootloader Provider Errors
// ============================================================================

var (
	// ErrFetchFailed is returned when bootloader sources cannot be fetched
	ErrFetchFailed = New(DomainProvider, "fetch_failed", ExitProvider,
		"Bootloader fetch failed")

	// ErrChecksumMismatch is returned when fetched sources do not match the pinned checksum
	ErrChecksumMismatch = New(DomainProvider, "checksum_mismatch", ExitProvider,
		"Checksum mismatch")

	// ErrBootloaderBuildFailed is returned when a bootloader build step exits non-zero
	ErrBootloaderBuildFailed = New(DomainProvider, "build_failed", ExitProvider,
		"Bootloader build failed")

	// ErrCacheUnavailable is returned when the bootloader cache cannot be used
	ErrCacheUnavailable = New(DomainProvider, CodeUnavailable, ExitProvider,
		"Bootloader cache unavailable")

	// ErrExtractFailed is returned when a source archive cannot be unpacked
	ErrExtractFailed = New(DomainProvider, "extract_failed", ExitProvider,
		"Source archive extraction failed")
)

// ============================================================================
// Assembly Errors
// ============================================================================

var (
	// ErrFormatMismatch is returned when the kernel format is not what the bootloader loads
	ErrFormatMismatch = New(DomainAssemble, "format_mismatch", ExitAssemble,
		"Kernel format does not match bootloader requirement")

	// ErrLayoutOverflow is returned when the bootloader does not fit the reserved region
	ErrLayoutOverflow = New(DomainAssemble, "layout_overflow", ExitAssemble,
		"Bootloader does not fit the reserved region")

	// ErrUnknownLayout is returned when a bootloader names a layout that is not registered
	ErrUnknownLayout = New(DomainAssemble, "unknown_layout", ExitAssemble,
		"Unknown image layout")

	// ErrConfigRender is returned when the boot config does not reference the kernel exactly once
	ErrConfigRender = New(DomainAssemble, "config_render", ExitAssemble,
		"Boot config could not be rendered")

	// ErrIOFailure is returned when writing the disk image fails
	ErrIOFailure = New(DomainAssemble, "io_failure", ExitAssemble,
		"Disk image write failed")

	// ErrInvalidImage is returned when an image cannot be inspected
	ErrInvalidImage = New(DomainAssemble, "invalid_image", ExitAssemble,
		"Not a grubimage disk image")
)

// ============================================================================
// Internal Errors
// ============================================================================

var (
	// ErrInternal is returned for unexpected internal errors
	ErrInternal = New(DomainInternal, CodeInternal, ExitInternal,
		"Internal error")

	// ErrInterrupted is returned when the pipeline was cancelled by a signal
	ErrInterrupted = New(DomainInternal, CodeInterrupted, ExitInterrupted,
		"Interrupted")

	// ErrDatabaseOperation is returned when the cache index cannot be read or written
	ErrDatabaseOperation = New(DomainInternal, "database_error", ExitInternal,
		"Cache index operation failed")

	// ErrStorageOperation is returned when a mirror storage operation fails
	ErrStorageOperation = New(DomainInternal, "storage_error", ExitInternal,
		"Storage operation failed")

	// ErrObjectNotFound is returned when a mirror has no object under a key
	ErrObjectNotFound = New(DomainInternal, CodeNotFound, ExitInternal,
		"Mirror object not found")

	// ErrRunFailed is returned when the run command exits with a non-zero status
	ErrRunFailed = New(DomainInternal, "run_failed", ExitInternal,
		"Run command failed")

	// ErrTestFailed is returned when a test kernel exits with a status that is not a pass
	ErrTestFailed = New(DomainInternal, "test_failed", ExitInternal,
		"Test kernel failed")

	// ErrTestTimeout is returned when a test kernel does not exit within test-timeout
	ErrTestTimeout = New(DomainInternal, "test_timeout", ExitInternal,
		"Test kernel timed out")
)

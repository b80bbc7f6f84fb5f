package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
)

// BootloaderCatalog maps a requested bootloader version to a concrete one
type BootloaderCatalog interface {
	// ResolveVersion returns the concrete version for name. requested may be
	// LatestCompatible. Unknown names and versions return a config error.
	ResolveVersion(name, requested string) (string, error)
}

// ResolveOptions carries the inputs to Resolve that do not come from the manifest
type ResolveOptions struct {
	// Catalog resolves bootloader versions; when nil the requested version is kept as is
	Catalog BootloaderCatalog
	// HostTarget is the target triple used when none is requested
	HostTarget string
}

// Resolve merges the manifest metadata with the command-line build options.
// It performs no I/O: the same inputs always yield an equal plan.
func Resolve(m *Manifest, args []string, opts ResolveOptions) (*BuildPlan, error) {
	if m == nil {
		return nil, errors.ErrManifestNotFound
	}

	plan := &BuildPlan{
		KernelBuildCommand: DefaultBuildCommand(),
		Bootloader: BootloaderSpec{
			Name:    DefaultBootloader,
			Version: LatestCompatible,
		},
		ExtraBuildArgs: copyStrings(args),
		ManifestPath:   m.Path,
		ProjectDir:     m.Dir,
		RunCommand:     DefaultRunCommand(),
		BinName:        m.PackageName,
		TestTimeout:    DefaultTestTimeout,
		TestNoReboot:   true,
	}
	if plan.ExtraBuildArgs == nil {
		plan.ExtraBuildArgs = []string{}
	}

	var metaTarget string
	if m.Metadata.Present() {
		table, ok := m.Metadata.Raw.(map[string]interface{})
		if !ok {
			return nil, errors.ErrConfigMalformed.WithMessagef(
				"package.metadata.grubimage must be a table, got %s", typeName(m.Metadata.Raw))
		}
		if err := applyMetadata(plan, table, &metaTarget); err != nil {
			return nil, err
		}
	}

	observed := observeArgs(args)
	switch {
	case observed.target != "":
		plan.Target = observed.target
		plan.TargetExplicit = true
	case metaTarget != "":
		plan.Target = metaTarget
		plan.TargetExplicit = true
		plan.Env = map[string]string{"CARGO_BUILD_TARGET": metaTarget}
	default:
		plan.Target = opts.HostTarget
	}
	plan.Profile = observed.profile
	if observed.bin != "" {
		plan.BinName = observed.bin
	}

	if opts.Catalog != nil {
		version, err := opts.Catalog.ResolveVersion(plan.Bootloader.Name, plan.Bootloader.Version)
		if err != nil {
			return nil, err
		}
		plan.Bootloader.Version = version
	}

	return plan, nil
}

func applyMetadata(plan *BuildPlan, table map[string]interface{}, target *string) error {
	keys := make([]string, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := table[key]
		var err error
		switch key {
		case KeyBuildCommand:
			plan.KernelBuildCommand, err = stringList(key, value)
			if err == nil && len(plan.KernelBuildCommand) == 0 {
				err = errors.ErrConfigMalformed.WithMessagef("%s must not be empty", key)
			}
		case KeyBootloader:
			plan.Bootloader.Name, err = nonEmptyString(key, value)
		case KeyBootloaderVersion:
			plan.Bootloader.Version, err = nonEmptyString(key, value)
		case KeyTarget:
			*target, err = nonEmptyString(key, value)
		case KeyRunCommand:
			plan.RunCommand, err = stringList(key, value)
			if err == nil && len(plan.RunCommand) == 0 {
				err = errors.ErrConfigMalformed.WithMessagef("%s must not be empty", key)
			}
		case KeyRunArgs:
			plan.RunArgs, err = stringList(key, value)
		case KeyTestArgs:
			plan.TestArgs, err = stringList(key, value)
		case KeyTestTimeout:
			var secs int64
			secs, err = integer(key, value)
			if err == nil && secs < 0 {
				err = errors.ErrConfigMalformed.WithMessagef("%s must not be negative", key)
			}
			plan.TestTimeout = time.Duration(secs) * time.Second
		case KeyTestSuccessCode:
			var code int64
			code, err = integer(key, value)
			if err == nil && (code < math.MinInt32 || code > math.MaxInt32) {
				err = errors.ErrConfigMalformed.WithMessagef("%s is out of range", key)
			}
			status := int(code)
			plan.TestSuccessExitCode = &status
		case KeyTestNoReboot:
			noReboot, isBool := value.(bool)
			if !isBool {
				err = errors.ErrConfigMalformed.WithMessagef("%s must be a boolean, got %s", key, typeName(value))
			}
			plan.TestNoReboot = noReboot
		default:
			// Unrecognized keys are ignored so that newer manifests keep working.
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func stringList(key string, value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return copyStrings(v), nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.ErrConfigMalformed.WithMessagef(
					"%s must be a list of strings, element %d is %s", key, i, typeName(item))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.ErrConfigMalformed.WithMessagef(
			"%s must be a list of strings, got %s", key, typeName(value))
	}
}

func integer(key string, value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, errors.ErrConfigMalformed.WithMessagef("%s must be an integer, got %s", key, typeName(value))
	}
}

func nonEmptyString(key string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", errors.ErrConfigMalformed.WithMessagef("%s must be a string, got %s", key, typeName(value))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.ErrConfigMalformed.WithMessagef("%s must not be empty", key)
	}
	return s, nil
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "nothing"
	case string:
		return "a string"
	case int64, int:
		return "an integer"
	case float64:
		return "a float"
	case bool:
		return "a boolean"
	case []interface{}:
		return "an array"
	case map[string]interface{}:
		return "a table"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// observedArgs are the build options grubimage needs to know about. They are
// read from the pass-through arguments but never removed from them.
type observedArgs struct {
	target  string
	profile string
	bin     string
}

func observeArgs(args []string) observedArgs {
	o := observedArgs{profile: "debug"}

	valueOf := func(i int, flag string) (string, int, bool) {
		arg := args[i]
		if arg == flag && i+1 < len(args) {
			return args[i+1], i + 1, true
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"="), i, true
		}
		return "", i, false
	}

	for i := 0; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
		if args[i] == "--release" || args[i] == "-r" {
			o.profile = "release"
			continue
		}
		if v, next, ok := valueOf(i, "--target"); ok {
			o.target, i = v, next
			continue
		}
		if v, next, ok := valueOf(i, "--profile"); ok {
			o.profile, i = profileDir(v), next
			continue
		}
		if v, next, ok := valueOf(i, "--bin"); ok {
			o.bin, i = v, next
			continue
		}
	}
	return o
}

// profileDir maps a cargo profile name to its output directory name
func profileDir(profile string) string {
	switch profile {
	case "dev", "test":
		return "debug"
	case "bench":
		return "release"
	default:
		return profile
	}
}

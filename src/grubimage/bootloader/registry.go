package bootloader

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
	"github.com/spf13/viper"
)

// Layout defaults applied to definitions that leave them out
const (
	DefaultReserved  = 1 << 20
	DefaultAlignment = SectorSize
)

// DefaultConfigTemplate chain-loads the embedded kernel through its block list
const DefaultConfigTemplate = `set timeout=0
set default=0
menuentry "{{.KernelName}}" {
	{{if eq .Multiboot 2}}multiboot2{{else}}multiboot{{end}} {{.Blocklist}}
	boot
}
`

// GRUB release tarballs
const grubSource = "https://ftp.gnu.org/gnu/grub/grub-{{.Version}}.tar.xz"

// grubDefinition builds an i386-pc core image whose embedded early config
// loads the real config from the sectors the image layout reserves for it.
func grubDefinition() *Definition {
	return &Definition{
		Name: "grub",
		Versions: []VersionSource{
			{Version: "2.12", Source: grubSource},
			{Version: "2.06", Source: grubSource},
			{Version: "2.04", Source: grubSource},
		},
		Steps: []string{
			`./configure --prefix={{quote .InstallDir}} --target=i386 --with-platform=pc --disable-werror --disable-nls`,
			`make -j{{.Jobs}}`,
			`make install`,
			`printf 'configfile {{.ConfigBlocklist}}\n' > {{quote .WorkDir}}/early.cfg`,
			`{{quote .InstallDir}}/bin/grub-mkimage -O i386-pc -p '(hd0)' -c {{quote .WorkDir}}/early.cfg ` +
				`-o {{quote .OutputDir}}/{{.Output}} biosdisk part_msdos configfile normal multiboot multiboot2 boot`,
			`cp {{quote .InstallDir}}/lib/grub/i386-pc/boot.img {{quote .OutputDir}}/{{.BootSector}}`,
		},
		Output:     "core.img",
		BootSector: "boot.img",
		Requires: Requirement{
			Format:    kernel.FormatELF,
			Multiboot: true,
			Machines:  []string{"x86_64", "i386"},
		},
		Layout: LayoutSpec{
			Type:      LayoutMBR,
			Reserved:  DefaultReserved,
			Alignment: DefaultAlignment,
			Config:    DefaultConfigTemplate,
		},
	}
}

// Registry holds the known bootloader definitions. It implements
// config.BootloaderCatalog.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

var _ config.BootloaderCatalog = (*Registry)(nil)

// NewRegistry creates a registry holding the built-in definitions
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*Definition)}
	grub := grubDefinition()
	r.defs[grub.Name] = grub
	return r
}

// Register adds or replaces a definition after filling defaults and validating it
func (r *Registry) Register(def *Definition) error {
	applyDefaults(def)
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// LoadDefinitions registers every definition found under the "bootloaders"
// key of the tool configuration.
func (r *Registry) LoadDefinitions(v *viper.Viper) error {
	sub := v.Sub("bootloaders")
	if sub == nil {
		return nil
	}
	names := make([]string, 0)
	for name := range sub.AllSettings() {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := &Definition{}
		if err := sub.UnmarshalKey(name, def); err != nil {
			return errors.ErrInvalidDefinition.WithMessagef("bootloader %q: %v", name, err).WithCause(err)
		}
		if def.Name == "" {
			def.Name = name
		}
		if err := r.Register(def); err != nil {
			return err
		}
		log.Debug("Registered bootloader definition", "name", def.Name, "versions", len(def.Versions))
	}
	return nil
}

// Get returns the definition for name
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, errors.ErrUnknownBootloader.WithMessagef("unknown bootloader %q (known: %s)",
			name, strings.Join(r.namesLocked(), ", "))
	}
	return def, nil
}

// Names returns the registered bootloader names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns the versions of name, newest first
func (r *Registry) Versions(name string) ([]string, error) {
	def, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(def.Versions))
	for _, v := range def.Versions {
		versions = append(versions, v.Version)
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) > 0
	})
	return versions, nil
}

// ResolveVersion maps requested to a concrete version of name.
// config.LatestCompatible selects the newest known version.
func (r *Registry) ResolveVersion(name, requested string) (string, error) {
	versions, err := r.Versions(name)
	if err != nil {
		return "", err
	}
	if requested == "" || requested == config.LatestCompatible {
		return versions[0], nil
	}
	for _, v := range versions {
		if v == requested {
			return v, nil
		}
	}
	return "", errors.ErrUnsupportedVersion.WithMessagef("%s version %q is not supported (supported: %s)",
		name, requested, strings.Join(versions, ", "))
}

func applyDefaults(def *Definition) {
	if def.Layout.Type == "" {
		def.Layout.Type = LayoutMBR
	}
	if def.Layout.Reserved == 0 {
		def.Layout.Reserved = DefaultReserved
	}
	if def.Layout.Alignment == 0 {
		def.Layout.Alignment = DefaultAlignment
	}
	if def.Layout.Config == "" {
		def.Layout.Config = DefaultConfigTemplate
	}
}

// compareVersions orders dotted versions numerically where both parts are numbers
func compareVersions(a, b string) int {
	split := func(s string) []string {
		return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '-' || r == '~' })
	}
	pa, pb := split(a), split(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		case pa[i] != pb[i]:
			return strings.Compare(pa[i], pb[i])
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

// Package bootloader provides bootloader definitions and the provider that
// fetches, builds and caches bootloader binaries per (name, version, target).
package bootloader

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
)

// Sector geometry shared with the image layouts
const (
	SectorSize = 512
	// DescriptorSectors is the number of sectors holding the layout descriptor
	DescriptorSectors = 1
	// ConfigSectors is the number of sectors reserved for the rendered boot config
	ConfigSectors = 7
)

// Layout types
const (
	LayoutMBR = "mbr"
)

// VersionSource tells where the sources of one bootloader version come from
type VersionSource struct {
	Version string `mapstructure:"version" json:"version"`
	// Source is an http(s) URL, a file:// URL or a local path; it may use {{.Version}}
	Source string `mapstructure:"source" json:"source"`
	// SHA256 pins the fetched file when set
	SHA256 string `mapstructure:"sha256" json:"sha256,omitempty"`
}

// Requirement describes what a kernel must look like to be loaded
type Requirement struct {
	// Format is the required container format, empty accepts any
	Format kernel.Format `mapstructure:"format" json:"format,omitempty"`
	// Multiboot requires a multiboot (v1 or v2) header in the kernel
	Multiboot bool `mapstructure:"multiboot" json:"multiboot"`
	// Machines lists accepted ELF machines, empty accepts any
	Machines []string `mapstructure:"machines" json:"machines,omitempty"`
}

// String returns a short description such as "elf with multiboot header"
func (r Requirement) String() string {
	var b strings.Builder
	if r.Format != "" {
		b.WriteString(string(r.Format))
	} else {
		b.WriteString("any format")
	}
	if r.Multiboot {
		b.WriteString(" with multiboot header")
	}
	if len(r.Machines) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(r.Machines, ", "))
	}
	return b.String()
}

// Check reports why a kernel does not satisfy the requirement, or nil
func (r Requirement) Check(k *kernel.Artifact) error {
	have := describeKernel(k)
	if r.Format != "" && k.EntryFormat != r.Format {
		return fmt.Errorf("kernel is %s, bootloader requires %s", have, r)
	}
	if r.Multiboot && k.Multiboot == kernel.MultibootNone {
		return fmt.Errorf("kernel is %s, bootloader requires %s", have, r)
	}
	if len(r.Machines) > 0 && k.EntryFormat == kernel.FormatELF {
		for _, m := range r.Machines {
			if m == k.Machine {
				return nil
			}
		}
		return fmt.Errorf("kernel is %s, bootloader requires %s", have, r)
	}
	return nil
}

func describeKernel(k *kernel.Artifact) string {
	desc := string(k.EntryFormat)
	if k.Machine != "" {
		desc += " " + k.Machine
	}
	if k.Multiboot == kernel.MultibootNone {
		return desc + " without multiboot header"
	}
	return desc + " with " + k.Multiboot.String() + " header"
}

// LayoutSpec selects and parameterizes the disk layout for a bootloader
type LayoutSpec struct {
	Type string `mapstructure:"type" json:"type"`
	// Reserved is the size in bytes of the region before the kernel payload
	Reserved int64 `mapstructure:"reserved" json:"reserved"`
	// Alignment is the boundary the kernel payload is padded to
	Alignment int64 `mapstructure:"alignment" json:"alignment"`
	// Config is a text/template rendered into the config sectors
	Config string `mapstructure:"config" json:"config"`
}

// ReservedSectors returns the reserved region size in sectors
func (l LayoutSpec) ReservedSectors() int64 {
	return l.Reserved / SectorSize
}

// DescriptorLBA returns the sector holding the layout descriptor
func (l LayoutSpec) DescriptorLBA() int64 {
	return l.ReservedSectors() - DescriptorSectors - ConfigSectors
}

// ConfigLBA returns the first sector of the rendered config
func (l LayoutSpec) ConfigLBA() int64 {
	return l.ReservedSectors() - ConfigSectors
}

// ConfigBlocklist returns the config location as a GRUB block list
func (l LayoutSpec) ConfigBlocklist() string {
	return fmt.Sprintf("(hd0)%d+%d", l.ConfigLBA(), ConfigSectors)
}

func (l LayoutSpec) validate() error {
	if l.Type == "" {
		return fmt.Errorf("layout type is required")
	}
	if l.Alignment <= 0 || l.Alignment%SectorSize != 0 {
		return fmt.Errorf("layout alignment must be a positive multiple of %d", SectorSize)
	}
	if l.Reserved%SectorSize != 0 || l.ReservedSectors() < 2+DescriptorSectors+ConfigSectors {
		return fmt.Errorf("layout reserved region must be a multiple of %d and hold at least %d sectors",
			SectorSize, 2+DescriptorSectors+ConfigSectors)
	}
	if l.Config == "" {
		return fmt.Errorf("layout config template is required")
	}
	if _, err := template.New("config").Parse(l.Config); err != nil {
		return fmt.Errorf("layout config template: %w", err)
	}
	return nil
}

// Definition describes how to obtain and build one bootloader
type Definition struct {
	Name     string          `mapstructure:"name" json:"name"`
	Versions []VersionSource `mapstructure:"versions" json:"versions"`
	// Steps are shell command lines rendered with StepData and run in the source directory
	Steps []string `mapstructure:"steps" json:"steps"`
	// Output is the file name of the bootloader core produced in OutputDir
	Output string `mapstructure:"output" json:"output"`
	// BootSector optionally names a file whose first 440 bytes become the MBR boot code
	BootSector string `mapstructure:"boot-sector" json:"boot_sector,omitempty"`
	// Runtime and Image select the executor the steps run in
	Runtime  string      `mapstructure:"runtime" json:"runtime,omitempty"`
	Image    string      `mapstructure:"image" json:"image,omitempty"`
	Env      []string    `mapstructure:"env" json:"env,omitempty"`
	Requires Requirement `mapstructure:"requires" json:"requires"`
	Layout   LayoutSpec  `mapstructure:"layout" json:"layout"`
}

// Version returns the source description of version v
func (d *Definition) Version(v string) (VersionSource, bool) {
	for _, vs := range d.Versions {
		if vs.Version == v {
			return vs, true
		}
	}
	return VersionSource{}, false
}

// Validate checks that the definition is complete
func (d *Definition) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.ErrInvalidDefinition.WithMessagef("bootloader %q: "+format, append([]interface{}{d.Name}, args...)...)
	}
	if d.Name == "" {
		return errors.ErrInvalidDefinition.WithMessage("bootloader name is required")
	}
	if len(d.Versions) == 0 {
		return invalid("at least one version is required")
	}
	for _, v := range d.Versions {
		if v.Version == "" || v.Source == "" {
			return invalid("every version needs a version and a source")
		}
		if _, err := template.New("source").Parse(v.Source); err != nil {
			return invalid("source template: %v", err)
		}
	}
	if d.Output == "" {
		return invalid("output is required")
	}
	for i, step := range d.Steps {
		if _, err := newStepTemplate(step); err != nil {
			return invalid("step %d: %v", i+1, err)
		}
	}
	if err := d.Layout.validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// StepData is available to source and step templates
type StepData struct {
	Name            string
	Version         string
	Target          string
	SourceDir       string
	WorkDir         string
	InstallDir      string
	OutputDir       string
	Output          string
	BootSector      string
	Jobs            int
	ConfigBlocklist string
}

var stepFuncs = template.FuncMap{
	"quote": shellQuote,
}

func newStepTemplate(text string) (*template.Template, error) {
	return template.New("step").Funcs(stepFuncs).Option("missingkey=error").Parse(text)
}

// renderStep expands one step command line
func renderStep(text string, data StepData) (string, error) {
	tmpl, err := newStepTemplate(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// shellQuote quotes s for use in a POSIX shell command line
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`&;|<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

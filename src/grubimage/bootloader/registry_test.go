package bootloader

import (
	"strings"
	"testing"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
	"github.com/spf13/viper"
)

func TestRegistry_ResolveVersion(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name      string
		bootldr   string
		requested string
		want      string
		wantErr   error
	}{
		{name: "latest compatible", bootldr: "grub", requested: config.LatestCompatible, want: "2.12"},
		{name: "empty means latest", bootldr: "grub", requested: "", want: "2.12"},
		{name: "explicit", bootldr: "grub", requested: "2.06", want: "2.06"},
		{name: "unsupported version", bootldr: "grub", requested: "1.99", wantErr: errors.ErrUnsupportedVersion},
		{name: "unknown bootloader", bootldr: "lilo", requested: "24.2", wantErr: errors.ErrUnknownBootloader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveVersion(tt.bootldr, tt.requested)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ResolveVersion() error = %v, want %v", err, tt.wantErr)
				}
				if errors.GetExitCode(err) != errors.ExitConfig {
					t.Errorf("exit code = %d, want %d", errors.GetExitCode(err), errors.ExitConfig)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveVersion() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry_LoadDefinitions(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
bootloaders:
  limine:
    versions:
      - version: "7.0"
        source: https://example.com/limine-{{.Version}}.tar.gz
        sha256: abcd
      - version: "8.1"
        source: https://example.com/limine-{{.Version}}.tar.gz
    steps:
      - make -j{{.Jobs}}
      - cp bin/limine-bios.sys {{quote .OutputDir}}/{{.Output}}
    output: limine-bios.sys
    requires:
      format: elf
      machines: [x86_64]
`))
	if err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}

	r := NewRegistry()
	if err := r.LoadDefinitions(v); err != nil {
		t.Fatalf("LoadDefinitions() error = %v", err)
	}

	if got := strings.Join(r.Names(), ","); got != "grub,limine" {
		t.Errorf("Names() = %s", got)
	}
	def, err := r.Get("limine")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(def.Versions) != 2 || def.Versions[0].SHA256 != "abcd" {
		t.Errorf("Versions = %+v", def.Versions)
	}
	if def.Requires.Format != kernel.FormatELF || def.Requires.Multiboot || len(def.Requires.Machines) != 1 {
		t.Errorf("Requires = %+v", def.Requires)
	}
	if def.Layout.Type != LayoutMBR || def.Layout.Reserved != DefaultReserved || def.Layout.Config != DefaultConfigTemplate {
		t.Errorf("Layout defaults not applied: %+v", def.Layout)
	}
	if latest, _ := r.ResolveVersion("limine", config.LatestCompatible); latest != "8.1" {
		t.Errorf("latest limine = %q, want 8.1", latest)
	}
}

func TestRegistry_LoadDefinitionsInvalid(t *testing.T) {
	v := viper.New()
	v.Set("bootloaders.broken.output", "x.img")

	err := NewRegistry().LoadDefinitions(v)
	if !errors.Is(err, errors.ErrInvalidDefinition) {
		t.Fatalf("LoadDefinitions() error = %v, want ErrInvalidDefinition", err)
	}
}

func TestDefinition_Validate(t *testing.T) {
	valid := func() *Definition {
		d := &Definition{
			Name:     "test",
			Versions: []VersionSource{{Version: "1.0", Source: "file:///src.tar.gz"}},
			Steps:    []string{"make"},
			Output:   "core.img",
		}
		applyDefaults(d)
		return d
	}

	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr bool
	}{
		{name: "valid", mutate: func(d *Definition) {}},
		{name: "no steps is valid", mutate: func(d *Definition) { d.Steps = nil }},
		{name: "missing name", mutate: func(d *Definition) { d.Name = "" }, wantErr: true},
		{name: "no versions", mutate: func(d *Definition) { d.Versions = nil }, wantErr: true},
		{name: "version without source", mutate: func(d *Definition) { d.Versions[0].Source = "" }, wantErr: true},
		{name: "missing output", mutate: func(d *Definition) { d.Output = "" }, wantErr: true},
		{name: "bad step template", mutate: func(d *Definition) { d.Steps = []string{"make {{.Jobs"} }, wantErr: true},
		{name: "bad alignment", mutate: func(d *Definition) { d.Layout.Alignment = 100 }, wantErr: true},
		{name: "reserved too small", mutate: func(d *Definition) { d.Layout.Reserved = 4 * SectorSize }, wantErr: true},
		{name: "bad config template", mutate: func(d *Definition) { d.Layout.Config = "{{if}}" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			err := d.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidDefinition) {
				t.Errorf("Validate() error = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2.12", "2.06", 1},
		{"2.06", "2.12", -1},
		{"2.06", "2.06", 0},
		{"2.06", "2.06.1", -1},
		{"10.0", "9.9", 1},
		{"2.06-rc1", "2.06-rc2", -1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRequirement_Check(t *testing.T) {
	grub := grubDefinition().Requires

	tests := []struct {
		name    string
		req     Requirement
		kernel  kernel.Artifact
		wantErr string
	}{
		{
			name:   "multiboot2 elf",
			req:    grub,
			kernel: kernel.Artifact{EntryFormat: kernel.FormatELF, Machine: "x86_64", Multiboot: kernel.MultibootV2},
		},
		{
			name:   "multiboot1 i386",
			req:    grub,
			kernel: kernel.Artifact{EntryFormat: kernel.FormatELF, Machine: "i386", Multiboot: kernel.MultibootV1},
		},
		{
			name:    "raw kernel",
			req:     grub,
			kernel:  kernel.Artifact{EntryFormat: kernel.FormatRaw, Multiboot: kernel.MultibootV2},
			wantErr: "kernel is raw with multiboot2 header, bootloader requires elf with multiboot header",
		},
		{
			name:    "no header",
			req:     grub,
			kernel:  kernel.Artifact{EntryFormat: kernel.FormatELF, Machine: "x86_64"},
			wantErr: "without multiboot header",
		},
		{
			name:    "wrong machine",
			req:     grub,
			kernel:  kernel.Artifact{EntryFormat: kernel.FormatELF, Machine: "aarch64", Multiboot: kernel.MultibootV2},
			wantErr: "(x86_64, i386)",
		},
		{
			name:   "no requirement",
			req:    Requirement{},
			kernel: kernel.Artifact{EntryFormat: kernel.FormatRaw},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Check(&tt.kernel)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Check() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Check() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLayoutSpec_Geometry(t *testing.T) {
	l := grubDefinition().Layout
	if l.ReservedSectors() != 2048 {
		t.Errorf("ReservedSectors() = %d", l.ReservedSectors())
	}
	if l.DescriptorLBA() != 2040 || l.ConfigLBA() != 2041 {
		t.Errorf("DescriptorLBA() = %d, ConfigLBA() = %d", l.DescriptorLBA(), l.ConfigLBA())
	}
	if l.ConfigBlocklist() != "(hd0)2041+7" {
		t.Errorf("ConfigBlocklist() = %q", l.ConfigBlocklist())
	}
}

func TestRenderStep(t *testing.T) {
	data := StepData{OutputDir: "/cache/staging/it's here", Output: "core.img", Jobs: 4}
	got, err := renderStep(`make -j{{.Jobs}} && cp core {{quote .OutputDir}}/{{.Output}}`, data)
	if err != nil {
		t.Fatalf("renderStep() error = %v", err)
	}
	want := `make -j4 && cp core '/cache/staging/it'\''s here'/core.img`
	if got != want {
		t.Errorf("renderStep() = %s, want %s", got, want)
	}

	if _, err := renderStep(`{{.Missing}}`, data); err == nil {
		t.Error("renderStep() with unknown field returned nil error")
	}
}

// Package cli provides common CLI utilities for grubimage using Cobra and Viper.
package cli

import (
	"fmt"
	"strings"

	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/common/paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ConfigOptions holds options for configuration initialization
type ConfigOptions struct {
	// ConfigFile is the path to the config file (if specified via flag)
	ConfigFile string

	// ConfigName is the name of the config file (without extension)
	ConfigName string

	// ConfigType is the type of config file (yaml, json, toml)
	ConfigType string

	// EnvPrefix is the prefix for environment variables (e.g., "GRUBIMAGE" -> GRUBIMAGE_CACHE_DIR)
	EnvPrefix string

	// SearchPaths are additional paths to search for the config file
	SearchPaths []string
}

// DefaultConfigOptions returns default configuration options
func DefaultConfigOptions(configName, envPrefix string) ConfigOptions {
	return ConfigOptions{
		ConfigName: configName,
		ConfigType: "yaml",
		EnvPrefix:  envPrefix,
		SearchPaths: []string{
			"/etc/grubimage",
			"$HOME/.config/grubimage",
			".",
		},
	}
}

// InitConfig initializes Viper configuration.
// It searches for config files and binds environment variables; a missing
// config file is not an error.
func InitConfig(v *viper.Viper, opts ConfigOptions) error {
	if opts.ConfigFile != "" {
		v.SetConfigFile(paths.Expand(opts.ConfigFile))
	} else {
		v.SetConfigName(opts.ConfigName)
		v.SetConfigType(opts.ConfigType)

		for _, searchPath := range opts.SearchPaths {
			v.AddConfigPath(paths.Expand(searchPath))
		}
	}

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// RegisterLogFlags registers common logging flags on a Cobra command
func RegisterLogFlags(v *viper.Viper, cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-output", "auto", "Log output destination (auto, stderr, stdout, journald)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	_ = v.BindPFlag("log.output", cmd.PersistentFlags().Lookup("log-output"))
	_ = v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	v.SetDefault("log.output", "auto")
	v.SetDefault("log.level", "info")
}

// RegisterConfigFlag registers the --config flag on a Cobra command
func RegisterConfigFlag(cmd *cobra.Command, cfgFile *string, defaultPath string) {
	cmd.PersistentFlags().StringVar(cfgFile, "config", "", fmt.Sprintf("config file (default: %s)", defaultPath))
}

// InitLogger creates and returns a logger based on Viper configuration.
// Should be called after InitConfig.
func InitLogger(v *viper.Viper, prefix string) *logs.Logger {
	return logs.New(logs.Config{
		Output: logs.LogOutput(v.GetString("log.output")),
		Level:  v.GetString("log.level"),
		Prefix: prefix,
	})
}

// BindFlag binds a Cobra flag to a Viper config key
func BindFlag(v *viper.Viper, cmd *cobra.Command, flagName, viperKey string) error {
	return v.BindPFlag(viperKey, cmd.Flags().Lookup(flagName))
}

// BindPersistentFlag binds a Cobra persistent flag to a Viper config key
func BindPersistentFlag(v *viper.Viper, cmd *cobra.Command, flagName, viperKey string) error {
	return v.BindPFlag(viperKey, cmd.PersistentFlags().Lookup(flagName))
}

// GetExpandedString gets a string from Viper and expands path prefixes
func GetExpandedString(v *viper.Viper, key string) string {
	return paths.Expand(v.GetString(key))
}

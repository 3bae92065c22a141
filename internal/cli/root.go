// Package cli implements the geoattest command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"GeoAttest-Chain/internal/config"
	"GeoAttest-Chain/pkg/logger"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// NewRootCommand builds the geoattest command tree. Flags are bound to a
// private viper instance so GEOATTEST_CONFIG, GEOATTEST_PLUGIN_MANAGER and
// GEOATTEST_VERBOSE work as defaults.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "geoattest",
		Short: "Verify location stamps and attest location claims",
		Long: `geoattest checks location stamps with pluggable evidence sources,
scores how credible a location claim is and encodes the result as an
EVM ABI attestation record.

Configuration is read from --config (or $GEOATTEST_CONFIG) and may be
overridden with GEOATTEST_ environment variables.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default: $GEOATTEST_CONFIG)")
	flags.String("plugins", "", "plugin manager YAML, overrides plugins.manager_path")
	flags.BoolP("verbose", "v", false, "debug logging on stderr")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("plugin_manager", flags.Lookup("plugins"))
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	v.SetEnvPrefix("GEOATTEST")
	v.AutomaticEnv()

	root.AddCommand(
		newAssessCommand(v),
		newDecodeCommand(v),
		newSchemasCommand(v),
		newPluginsCommand(v),
		newServeCommand(v),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig reads the configuration and points the application log at
// stderr unless the file names outputs, keeping stdout for results.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if p := v.GetString("plugin_manager"); p != "" {
		cfg.Plugins.ManagerPath = p
	}
	if len(cfg.Log.OutputPaths) == 0 {
		cfg.Log.OutputPaths = []string{"stderr"}
	}
	if v.GetBool("verbose") {
		cfg.Log.Level = "debug"
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "geoattest "+Version)
		},
	}
}

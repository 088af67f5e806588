package commands

import (
	"fmt"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/engine/fleet"
)

var (
	optfileBan   []string
	optfileWrite bool
)

var OptfileCmd = &cobra.Command{
	Use:   "optfile",
	Short: "Print or write the option file for a ban list",
	Long: `Renders the option file the license tool consumes: the fixed preamble,
optionally followed by a deny group for the given users. Without --write
the content goes to stdout.`,
	RunE: runOptfile,
}

func init() {
	OptfileCmd.Flags().StringSliceVar(&optfileBan, "ban", nil, "users to put into the deny group")
	OptfileCmd.Flags().BoolVar(&optfileWrite, "write", false, "write the configured option file instead of printing")
}

func runOptfile(cmd *cobra.Command, args []string) error {
	content := fleet.OptFilePreamble + fleet.GenerateDenyGroup(optfileBan, "")

	if !optfileWrite {
		fmt.Print(content)
		return nil
	}

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}
	cfg.ApplyDefaults()
	if cfg.Fleet.OptionFile == "" {
		return fmt.Errorf("%w: option_file (or vendor) must be configured", config.ErrInvalidConfiguration)
	}

	if err := renameio.WriteFile(cfg.Fleet.OptionFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write option file %q: %w", cfg.Fleet.OptionFile, err)
	}
	fmt.Printf("wrote %s (%d users banned)\n", cfg.Fleet.OptionFile, len(optfileBan))
	return nil
}

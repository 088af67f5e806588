package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/version"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "flexwatch",
	Short: "Floating-license fleet watchdog",
	Long: `flexwatch - FLEXlm fleet monitor and policy enforcer

Polls the license servers, tracks per-user usage and keeps a configured
share of licenses free by warning and, when needed, banning long users.`,
	Version: version.Current,
	// Run: nil (forces help output).
	Run: nil,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./flexwatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(RunCmd)
	rootCmd.AddCommand(StatusCmd)
	rootCmd.AddCommand(OptfileCmd)
	rootCmd.AddCommand(CheckCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("flexwatch")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "flexwatch"))
		}
	}

	// send_mails defaults to true; a zero-value bool cannot express that.
	viper.SetDefault("mailer.send_mails", true)

	viper.SetEnvPrefix("FLEXWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

// loadConfig unmarshals, applies defaults and validates the configuration.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse configuration: %w", err)
	}
	cfg.ApplyDefaults()
	if verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupLogging installs the JSON handler as the process default.
func setupLogging(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

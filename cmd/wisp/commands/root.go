// Package commands implements the wisp CLI: identity management,
// invite handling, and an in-process protocol demo.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Config is the CLI configuration file body.
type Config struct {
	DataDir                    string `toml:"data_dir"`
	DisplayName                string `toml:"display_name"`
	StatusMessage              string `toml:"status_message"`
	AllowPlaintextFirstContact bool   `toml:"allow_plaintext_first_contact"`
	Verbose                    bool   `toml:"verbose"`
}

var (
	configFile string
	dataDir    string
	name       string
	verbose    bool

	cfg *Config
)

// loadConfig parses the config file, if any, and applies command-line
// overrides and defaults.
func loadConfig() error {
	cfg = &Config{}
	if configFile != "" {
		b, err := os.ReadFile(configFile)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if name != "" {
		cfg.DisplayName = name
	}
	if verbose {
		cfg.Verbose = true
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".wisp")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "anonymous"
	}
	return nil
}

// Execute runs the CLI.
func Execute() error {
	root := &cobra.Command{
		Use:          "wisp",
		Short:        "Serverless end-to-end encrypted messaging",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if cfg.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (TOML)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.wisp)")
	root.PersistentFlags().StringVar(&name, "name", "", "display name")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(identityCmd(), inviteCmd(), demoCmd())
	return root.Execute()
}

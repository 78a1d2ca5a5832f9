package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// peerConfig is the on-disk form of the persistent flags.
type peerConfig struct {
	Relay   string `yaml:"relay,omitempty"`
	API     string `yaml:"api,omitempty"`
	User    string `yaml:"user,omitempty"`
	Partner string `yaml:"partner,omitempty"`
	Name    string `yaml:"name,omitempty"`
	STUN    string `yaml:"stun,omitempty"`
}

func loadConfig(path string) (*peerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg peerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *peerConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyConfig fills every flag the user did not set explicitly.
func applyConfig(cfg *peerConfig, flags *pflag.FlagSet, o *options) {
	set := func(name string, dst *string, v string) {
		if v != "" && !flags.Changed(name) {
			*dst = v
		}
	}
	set("relay", &o.relayURL, cfg.Relay)
	set("api", &o.apiURL, cfg.API)
	set("user", &o.userID, cfg.User)
	set("partner", &o.partnerID, cfg.Partner)
	set("name", &o.name, cfg.Name)
	set("stun", &o.stun, cfg.STUN)
}

var saveConfigCmd = &cobra.Command{
	Use:   "save-config [path]",
	Short: "Write the current connection settings to a YAML file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no config path given")
		}
		cfg := &peerConfig{
			Relay:   opts.relayURL,
			API:     opts.apiURL,
			User:    opts.userID,
			Partner: opts.partnerID,
			Name:    opts.name,
			STUN:    opts.stun,
		}
		if err := saveConfig(cfg, path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(saveConfigCmd)
}

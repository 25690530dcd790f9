package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/pkg/client"
)

var cfgFile string

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/treectl/config.yaml)")
	cmd.PersistentFlags().String("api-url", "", "server base URL")
	cmd.PersistentFlags().Duration("timeout", 0, "request timeout")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// initConfig layers flags over TREE_* environment variables over the
// config file over defaults.
func initConfig(cmd *cobra.Command) error {
	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "treectl"))
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("TREE")
	v.AutomaticEnv()

	v.SetDefault("api_base_url", "http://localhost:8080")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("log_level", "warn")

	for key, flag := range map[string]string{
		"api_base_url": "api-url",
		"timeout":      "timeout",
		"log_level":    "log-level",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return logging.Init(logging.Config{
		Level:  v.GetString("log_level"),
		Format: "console",
	})
}

func newClient() *client.Client {
	return client.New(client.Config{
		BaseURL: viper.GetString("api_base_url"),
		Timeout: viper.GetDuration("timeout"),
		Logger:  logging.Named("client"),
	})
}

func apiURL() string {
	return viper.GetString("api_base_url")
}

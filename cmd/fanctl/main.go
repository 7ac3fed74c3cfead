//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "fanctl",
	Short:         "Watch and gate file access with fanotify",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log.level"), viper.GetString("log.format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindEnv("log.level", config.EnvPrefix+"_LOG_LEVEL")
	viper.BindEnv("log.format", config.EnvPrefix+"_LOG_FORMAT")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errx.Wrap(ErrUsage, err)
	})
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errx.With(ErrUsage, ": --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, errx.With(ErrUsage, ": --log-format %q", format)
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper(), cfgFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

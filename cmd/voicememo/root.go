package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicememo/internal/app"
	"github.com/MrWong99/voicememo/internal/config"
	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/audio/miniaudio"
)

var (
	cfg      *config.Config
	cfgFile  string
	verbose  bool
	backend  string
	logLevel = new(slog.LevelVar)

	// cfgFromFile is true when cfg was read from cfgFile rather than
	// defaulted because no file exists.
	cfgFromFile bool
)

var rootCmd = &cobra.Command{
	Use:   "voicememo",
	Short: "Voice memo recorder",
	Long: `voicememo captures speech from the local microphone into 16-bit PCM WAV
files, with adaptive gain, voice isolation and interruption recovery.

Use 'voicememo record' for a one-off recording from the terminal or
'voicememo serve' to run the recorder daemon with its HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, cfgFromFile, err = loadConfig(cfgFile, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		if backend != "" {
			cfg.Audio.Backend = backend
		}
		setupLogging(cfg.Server.LogLevel, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging (overrides server.log_level)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "audio backend (overrides audio.backend)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "voicememo.yaml"
	}
	return filepath.Join(dir, "voicememo", "config.yaml")
}

// loadConfig reads path. A missing file yields the default config unless the
// path was given explicitly.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	c, err := config.Load(path)
	if err == nil {
		return c, true, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		c, err = config.LoadFromReader(strings.NewReader(""))
		return c, false, err
	}
	return nil, false, fmt.Errorf("failed to load config: %w", err)
}

// setupLogging installs a text handler on stderr. The level stays adjustable
// through logLevel for config reloads.
func setupLogging(level config.LogLevel, debug bool) {
	logLevel.Set(app.SlogLevel(level))
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func newRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterPlatform("miniaudio", func(c config.AudioConfig) (audio.Platform, error) {
		p, err := miniaudio.New(miniaudio.Config{NativeSampleRate: c.NativeSampleRate})
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	return reg
}

// openPlatform creates the configured audio platform. The returned close
// function releases it.
func openPlatform() (audio.Platform, func(), error) {
	p, err := newRegistry().CreatePlatform(cfg.Audio)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}
	if c, ok := p.(io.Closer); ok {
		closeFn = func() {
			if err := c.Close(); err != nil {
				slog.Warn("audio platform close error", "err", err)
			}
		}
	}
	return p, closeFn, nil
}

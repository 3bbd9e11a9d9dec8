package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/spf13/cobra"
)

// defaultConfigFile is loaded when --config is not given and the file exists.
const defaultConfigFile = "livevoice.yaml"

// version is overridden at build time with -ldflags "-X ...commands.version=...".
var version = "dev"

var (
	// Global flags
	cfgFile  string
	logLevel string
	verbose  bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "livevoice",
	Short: "Real-time voice chat with a Gemini Live model",
	Long: `livevoice streams your microphone to a Gemini Live model and plays the
spoken reply back gaplessly, with optional live transcripts.

Press Enter to start or stop a session and q to quit.

Examples:
  # Chat with the defaults (reads GEMINI_API_KEY)
  livevoice

  # Use a config file and a different voice
  livevoice --config my.yaml run --voice Puck

  # Serve health, status and metrics while chatting
  livevoice run --admin-addr 127.0.0.1:9090
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRun,
}

// Command returns the root cobra command for mounting into a parent CLI.
func Command() *cobra.Command {
	return rootCmd
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+defaultConfigFile+" when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "shorthand for --log-level debug")

	addRunFlags(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// configPath returns the file to load, or "" to use the defaults.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// loadConfig loads the configuration file, or the defaults when there is
// none.
func loadConfig() (*config.Config, string, error) {
	path := configPath()
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("config file %q not found; run 'livevoice config init' to create one", path)
		}
		return nil, "", err
	}
	return cfg, path, nil
}

// effectiveLevel resolves the log level from flags and config.
func effectiveLevel(cfg *config.Config) config.LogLevel {
	switch {
	case verbose:
		return config.LogDebug
	case logLevel != "":
		return config.LogLevel(logLevel)
	}
	return cfg.Server.LogLevel
}

// newLogger installs a text logger on stderr whose level can change at
// runtime.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(level.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}

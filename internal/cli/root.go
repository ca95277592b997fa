// Package cli implements the remex command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tOgg1/remex/internal/config"
	"github.com/tOgg1/remex/internal/logging"
)

var (
	cfgFile       string
	logLevel      string
	logFormat     string
	sshConfigPath string
	knownHosts    string
	contextPath   string
	jsonOutput    bool
	quiet         bool
	verbose       bool
	noColor       bool

	appConfig *config.Config
	logFile   *os.File
)

var rootCmd = &cobra.Command{
	Use:   "remex",
	Short: "Run commands on remote hosts over SSH",
	Long: `remex runs shell commands on remote hosts over SSH.

Hosts are resolved through the OpenSSH client config, including ProxyJump
and ProxyCommand chains. Commands can run on one host, fan out to many,
or be tunneled through a proxy host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			_ = logFile.Close()
			logFile = nil
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/remex/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "override logging format (json, console)")
	flags.StringVar(&sshConfigPath, "ssh-config", "", "OpenSSH client config to resolve hosts from")
	flags.StringVar(&knownHosts, "known-hosts", "", "known_hosts file used to verify host keys")
	flags.StringVar(&contextPath, "context-file", "", "default target file (default is $HOME/.config/remex/context.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log commands and their output")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context, version string) error {
	rootCmd.Version = version
	return rootCmd.ExecuteContext(ctx)
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if sshConfigPath != "" {
		cfg.SSH.ConfigPath = sshConfigPath
	}
	if knownHosts != "" {
		cfg.SSH.KnownHosts = knownHosts
	}

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
		NoColor:      noColor || os.Getenv("NO_COLOR") != "",
	}
	if cfg.Logging.File != "" {
		f, err := logging.OpenFile(cfg.Logging.File)
		if err != nil {
			return err
		}
		logFile = f
		logCfg.Output = f
	}
	logging.Init(logCfg)

	if used := loader.ConfigFileUsed(); used != "" {
		cliLogger().Debug().Str("config_file", used).Msg("loaded config file")
	}

	appConfig = cfg
	return nil
}

// cliLogger returns the command-line component logger bound to the
// current global logger.
func cliLogger() *zerolog.Logger {
	logger := logging.Component("cli")
	return &logger
}

// GetConfig returns the loaded configuration, or defaults before load.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tOgg1/remex/internal/config"
	"github.com/tOgg1/remex/internal/history"
	"github.com/tOgg1/remex/internal/logging"
	"github.com/tOgg1/remex/internal/ssh"
	"github.com/tOgg1/remex/internal/sshconfig"
)

// connectFlags are the per-command connection overrides.
type connectFlags struct {
	port           int
	user           string
	identities     []string
	passwordPrompt bool

	// password is filled in once when several connections share a prompt.
	password string
}

func addConnectFlags(flags *pflag.FlagSet, f *connectFlags) {
	flags.IntVarP(&f.port, "port", "p", 0, "SSH port (overrides the SSH config)")
	flags.StringVarP(&f.user, "user", "l", "", "login user (overrides the SSH config)")
	flags.StringSliceVarP(&f.identities, "identity", "i", nil, "private key file (repeatable)")
	flags.BoolVar(&f.passwordPrompt, "password-prompt", false, "prompt for a login password")
}

// execFlags are the per-command execution options.
type execFlags struct {
	timeout   time.Duration
	sudo      bool
	pty       bool
	chroot    string
	masks     []string
	expect    []int
	stdinFile string

	compiled []*regexp.Regexp
}

func addExecFlags(cmd *cobra.Command, f *execFlags) {
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0, "command timeout (default from config)")
	cmd.Flags().BoolVar(&f.sudo, "sudo", false, "run the command through sudo")
	cmd.Flags().BoolVar(&f.pty, "pty", false, "allocate a pseudo-terminal")
	cmd.Flags().StringVar(&f.chroot, "chroot", "", "run the command inside this chroot")
	cmd.Flags().StringArrayVar(&f.masks, "mask", nil, "regexp whose matches are hidden in logs (repeatable)")
	cmd.Flags().IntSliceVar(&f.expect, "expect", []int{0}, "accepted exit codes")
	cmd.Flags().StringVar(&f.stdinFile, "stdin", "", "file sent as command input (- for standard input)")
}

func (f *execFlags) options() ([]ssh.ExecOption, error) {
	var opts []ssh.ExecOption
	f.compiled = f.compiled[:0]
	if f.timeout > 0 {
		opts = append(opts, ssh.WithTimeout(f.timeout))
	}
	if f.pty {
		opts = append(opts, ssh.WithPty(80, 24))
	}
	if f.chroot != "" {
		opts = append(opts, ssh.WithChroot(f.chroot))
	}
	for _, expr := range f.masks {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid --mask %q: %w", expr, err)
		}
		f.compiled = append(f.compiled, re)
		opts = append(opts, ssh.WithCommandMask(re))
	}
	if len(f.expect) > 0 {
		opts = append(opts, ssh.WithExpected(f.expect...))
	}
	if f.stdinFile != "" {
		data, err := readInput(f.stdinFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ssh.WithStdin(data))
	}
	if verbose {
		opts = append(opts, ssh.WithExecVerbose(true))
	}
	return opts, nil
}

// masked hides --mask matches in command. Call after options.
func (f *execFlags) masked(command string) string {
	return logging.MaskCommand(command, f.compiled...)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read standard input: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// target is a host as given on the command line or by the saved context.
type target struct {
	host string
	user string
	port int
	sudo bool
}

var errNoTarget = errors.New("no host given and no default target set (run 'remex use HOST')")

func resolveTarget(arg string) (target, error) {
	if strings.TrimSpace(arg) == "" {
		saved, err := config.NewContextStore(contextPath).Load()
		if err != nil {
			return target{}, err
		}
		if saved.IsEmpty() {
			return target{}, errNoTarget
		}
		return target{host: saved.Host, user: saved.User, port: saved.Port, sudo: saved.Sudo}, nil
	}
	user, host, port := sshconfig.ParseTarget(arg)
	return target{host: host, user: user, port: port}, nil
}

// splitHostCommand separates "[HOST] -- COMMAND..." arguments. Without a
// dash the first argument is the host.
func splitHostCommand(args []string, dash int) (string, string, error) {
	var hostArgs, cmdArgs []string
	switch {
	case dash >= 0:
		hostArgs, cmdArgs = args[:dash], args[dash:]
	case len(args) > 0:
		hostArgs, cmdArgs = args[:1], args[1:]
	}
	if len(hostArgs) > 1 {
		return "", "", fmt.Errorf("expected at most one host before --, got %d", len(hostArgs))
	}
	if len(cmdArgs) == 0 {
		return "", "", errors.New("command is required")
	}
	host := ""
	if len(hostArgs) == 1 {
		host = hostArgs[0]
	}
	return host, strings.Join(cmdArgs, " "), nil
}

func clientOptions(cfg *config.Config, t target, f connectFlags, hosts *sshconfig.Hosts) ([]ssh.Option, error) {
	opts := []ssh.Option{
		ssh.WithConnectTimeout(cfg.SSH.ConnectTimeout),
		ssh.WithKeepalive(cfg.SSH.Keepalive),
		ssh.WithAllowAgent(cfg.SSH.AllowAgent),
		ssh.WithRetry(cfg.SSH.RetryAttempts, cfg.SSH.RetryDelay),
		ssh.WithDefaultTimeout(cfg.SSH.DefaultTimeout),
		ssh.WithVerbose(verbose),
		ssh.WithPassphrasePrompt(ssh.TerminalPassphrasePrompt),
	}
	if hosts != nil {
		opts = append(opts, ssh.WithHosts(hosts))
	} else {
		opts = append(opts, ssh.WithSSHConfigPath(cfg.SSH.ConfigPath))
	}
	if cfg.SSH.KnownHosts != "" {
		opts = append(opts, ssh.WithKnownHosts(cfg.SSH.KnownHosts))
	}

	user := firstNonEmpty(f.user, t.user)
	port := t.port
	if f.port > 0 {
		port = f.port
	}
	if port > 0 {
		opts = append(opts, ssh.WithPort(port))
	}

	password := f.password
	if password == "" && f.passwordPrompt {
		pw, err := ssh.ReadSecret(fmt.Sprintf("Password for %s: ", t.host))
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		password = pw
	}

	if len(f.identities) > 0 {
		opts = append(opts, ssh.WithAuth(ssh.NewAuth(user, password, f.identities...)))
	} else {
		opts = append(opts, ssh.WithUser(user), ssh.WithPassword(password))
	}
	return opts, nil
}

func connectTarget(ctx context.Context, t target, f connectFlags, hosts *sshconfig.Hosts) (*ssh.Client, error) {
	opts, err := clientOptions(GetConfig(), t, f, hosts)
	if err != nil {
		return nil, err
	}
	client, err := ssh.New(ctx, t.host, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.host, err)
	}
	return client, nil
}

// openRecorder returns a history recorder, or nil when history is off or
// the database cannot be opened. The returned func closes the store.
func openRecorder(ctx context.Context) (*history.Recorder, func()) {
	cfg := GetConfig()
	if !cfg.History.Enabled {
		return nil, func() {}
	}
	store, err := history.Open(context.WithoutCancel(ctx), cfg.HistoryPath())
	if err != nil {
		cliLogger().Warn().Err(err).Msg("history disabled")
		return nil, func() {}
	}
	return history.NewRecorder(store, cfg.History.MaxRows), func() { _ = store.Close() }
}

func recordExecution(ctx context.Context, recorder *history.Recorder, client *ssh.Client, command string, result *ssh.ExecResult, execErr error) {
	user := client.Auth().UsernameOr(client.Hosts().Get(client.Alias()).User)
	if err := recorder.Record(context.WithoutCancel(ctx), client.Key(), user, command, result, execErr); err != nil {
		cliLogger().Warn().Err(err).Msg("failed to record history")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

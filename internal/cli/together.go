package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/remex/internal/ssh"
	"github.com/tOgg1/remex/internal/sshconfig"
)

var (
	togetherConnect     connectFlags
	togetherRun         execFlags
	togetherCommand     string
	togetherMaxParallel int
	togetherSummary     bool
)

func init() {
	rootCmd.AddCommand(togetherCmd)

	addConnectFlags(togetherCmd.Flags(), &togetherConnect)
	addExecFlags(togetherCmd, &togetherRun)
	togetherCmd.Flags().StringVarP(&togetherCommand, "cmd", "c", "", "command to run (instead of arguments after --)")
	togetherCmd.Flags().IntVar(&togetherMaxParallel, "max-parallel", -1, "maximum concurrent hosts (default from config, 0 = unlimited)")
	togetherCmd.Flags().BoolVar(&togetherSummary, "summary", false, "print a summary table instead of per-host output")
}

var togetherCmd = &cobra.Command{
	Use:   "together HOST... -- COMMAND...",
	Short: "Run a command on several hosts at once",
	Long: `Run the same command on several hosts concurrently and wait for all.

Each host prints its output under a header. remex exits non-zero when any
host could not run the command or returned an exit code outside --expect.`,
	Example: `  remex together web01 web02 web03 -- uptime
  remex together --summary --max-parallel 4 $(cat hosts.txt) -- 'df -h /'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		targets, command, err := splitHostsCommand(args, cmd.ArgsLenAtDash(), togetherCommand)
		if err != nil {
			return err
		}
		opts, err := togetherRun.options()
		if err != nil {
			return err
		}

		cfg := GetConfig()
		maxParallel := cfg.Together.MaxParallel
		if togetherMaxParallel >= 0 {
			maxParallel = togetherMaxParallel
		}
		opts = append(opts, ssh.WithMaxParallel(maxParallel))

		clients, err := connectAll(ctx, targets, togetherConnect)
		defer func() {
			for _, c := range clients {
				_ = c.Close()
			}
		}()
		if err != nil {
			return err
		}
		for i, c := range clients {
			c.SetSudoMode(togetherRun.sudo || targets[i].sudo)
		}

		results, runErr := ssh.ExecuteTogether(ctx, clients, command, opts...)

		recorder, closeHistory := openRecorder(ctx)
		defer closeHistory()
		recorder = recorder.WithRun(uuid.NewString())
		var exceptions map[ssh.HostKey]error
		var pe *ssh.ParallelExceptionsError
		if errors.As(runErr, &pe) {
			exceptions = pe.Exceptions
		}
		for _, c := range uniqueClients(clients) {
			key := c.Key()
			recordExecution(ctx, recorder, c, togetherRun.masked(command), results[key], exceptions[key])
		}

		if err := reportTogether(os.Stdout, results, exceptions, togetherSummary); err != nil {
			return err
		}
		if runErr != nil {
			return &ExitError{Code: 1, Err: runErr}
		}
		return nil
	},
}

// splitHostsCommand separates "HOST... -- COMMAND..." arguments, or takes
// every argument as a host when the command is given by flag.
func splitHostsCommand(args []string, dash int, flagCommand string) ([]target, string, error) {
	hostArgs := args
	command := flagCommand
	if dash >= 0 {
		hostArgs = args[:dash]
		if rest := args[dash:]; len(rest) > 0 {
			if command != "" {
				return nil, "", errors.New("give the command either with --cmd or after --, not both")
			}
			command = strings.Join(rest, " ")
		}
	}
	if strings.TrimSpace(command) == "" {
		return nil, "", errors.New("command is required")
	}
	if len(hostArgs) == 0 {
		return nil, "", errors.New("at least one host is required")
	}

	targets := make([]target, 0, len(hostArgs))
	for _, arg := range hostArgs {
		t, err := resolveTarget(arg)
		if err != nil {
			return nil, "", err
		}
		targets = append(targets, t)
	}
	return targets, command, nil
}

// connectAll opens one client per target concurrently against a shared
// parse of the SSH config. Clients that did connect are returned even on
// error so the caller can close them.
func connectAll(ctx context.Context, targets []target, f connectFlags) ([]*ssh.Client, error) {
	aliases := make([]string, 0, len(targets))
	for _, t := range targets {
		aliases = append(aliases, t.host)
	}
	hosts, err := sshconfig.ParseFor(GetConfig().SSH.ConfigPath, aliases...)
	if err != nil {
		return nil, err
	}

	// Prompt once up front rather than from every goroutine.
	if f.passwordPrompt && f.password == "" {
		pw, err := ssh.ReadSecret("Password: ")
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		f.password = pw
	}

	var (
		mu      sync.Mutex
		clients = make([]*ssh.Client, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			opts, err := clientOptions(GetConfig(), t, f, hosts)
			if err != nil {
				return err
			}
			client, err := ssh.New(gctx, t.host, opts...)
			if err != nil {
				return fmt.Errorf("connect %s: %w", t.host, err)
			}
			mu.Lock()
			clients[i] = client
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	connected := slices.DeleteFunc(clients, func(c *ssh.Client) bool { return c == nil })
	return connected, err
}

func uniqueClients(clients []*ssh.Client) []*ssh.Client {
	seen := make(map[ssh.HostKey]bool, len(clients))
	out := make([]*ssh.Client, 0, len(clients))
	for _, c := range clients {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, c)
	}
	return out
}

func reportTogether(out io.Writer, results ssh.TogetherResults, exceptions map[ssh.HostKey]error, summary bool) error {
	keys := make([]ssh.HostKey, 0, len(results)+len(exceptions))
	for key := range results {
		keys = append(keys, key)
	}
	for key := range exceptions {
		if _, ok := results[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	if IsJSONOutput() {
		views := make([]resultView, 0, len(keys))
		for _, key := range keys {
			views = append(views, newResultView(key, results[key], exceptions[key]))
		}
		return WriteOutput(out, views)
	}

	if summary {
		rows := make([][]string, 0, len(keys))
		for _, key := range keys {
			result := results[key]
			if result == nil {
				rows = append(rows, []string{key.String(), formatExitCode(ssh.ExitCodeInvalid), "-", truncateCell(exceptions[key].Error(), 60)})
				continue
			}
			lines := result.StdoutLines()
			first := ""
			if len(lines) > 0 {
				first = lines[0]
			}
			rows = append(rows, []string{key.String(), formatExitCode(result.ExitCode()), result.Duration().Round(time.Millisecond).String(), truncateCell(first, 60)})
		}
		return writeTable(out, []string{"HOST", "EXIT", "DURATION", "OUTPUT"}, rows)
	}

	for i, key := range keys {
		if i > 0 {
			fmt.Fprintln(out)
		}
		result := results[key]
		if result == nil {
			fmt.Fprintf(out, "%s %s\n", styled(hostStyle, "==> "+key.String()), styled(failStyle, exceptions[key].Error()))
			continue
		}
		fmt.Fprintf(out, "%s %s\n", styled(hostStyle, "==> "+key.String()), styled(mutedStyle, "exit")+" "+formatExitCode(result.ExitCode()))
		_, _ = out.Write(result.Stdout())
		if stderr := result.Stderr(); len(stderr) > 0 {
			_, _ = out.Write(stderr)
		}
	}
	return nil
}

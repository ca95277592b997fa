package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/remex/internal/ssh"
)

var (
	execConnect connectFlags
	execRun     execFlags
	execStderr  bool
)

func init() {
	rootCmd.AddCommand(execCmd)

	addConnectFlags(execCmd.Flags(), &execConnect)
	addExecFlags(execCmd, &execRun)
	execCmd.Flags().BoolVar(&execStderr, "fail-on-stderr", false, "treat any stderr output as a failure")
}

var execCmd = &cobra.Command{
	Use:   "exec [HOST] -- COMMAND...",
	Short: "Run a command on one host",
	Long: `Run a shell command on one host and print its output.

HOST may be an SSH config alias or user@host:port. When omitted, the
target selected with 'remex use' is used. The remote exit code becomes
the exit code of remex unless it is listed with --expect.`,
	Example: `  remex exec web01 -- uptime
  remex exec deploy@10.0.0.5:2222 -- 'systemctl status nginx'
  remex exec --sudo --stdin patch.diff db01 -- patch -p1 -d /srv/app`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		host, command, err := splitHostCommand(args, cmd.ArgsLenAtDash())
		if err != nil {
			return err
		}
		t, err := resolveTarget(host)
		if err != nil {
			return err
		}
		opts, err := execRun.options()
		if err != nil {
			return err
		}

		client, err := connectTarget(ctx, t, execConnect, nil)
		if err != nil {
			return err
		}
		defer client.Close()

		recorder, closeHistory := openRecorder(ctx)
		defer closeHistory()

		sudo := execRun.sudo || t.sudo
		var result *ssh.ExecResult
		runErr := client.WithSudo(sudo, func() error {
			var err error
			if execStderr {
				result, err = client.CheckStderr(ctx, command, opts...)
			} else {
				result, err = client.CheckCall(ctx, command, opts...)
			}
			return err
		})
		recordExecution(ctx, recorder, client, execRun.masked(command), result, runErr)

		return reportResult(os.Stdout, os.Stderr, client.Key(), result, runErr)
	},
}

// reportResult prints a finished command and maps failures to exit codes.
func reportResult(stdout, stderr io.Writer, key ssh.HostKey, result *ssh.ExecResult, runErr error) error {
	if IsJSONOutput() {
		if err := WriteOutput(stdout, newResultView(key, result, runErr)); err != nil {
			return err
		}
	} else if result != nil {
		_, _ = stdout.Write(result.Stdout())
		_, _ = stderr.Write(result.Stderr())
	}

	if runErr == nil {
		return nil
	}

	var callErr *ssh.CalledProcessError
	if errors.As(runErr, &callErr) {
		code := callErr.Result.ExitCode()
		if code <= 0 || code > 255 {
			code = 1
		}
		return &ExitError{Code: code, Err: runErr, Printed: true}
	}

	var timeoutErr *ssh.TimeoutError
	if errors.As(runErr, &timeoutErr) {
		return &ExitError{Code: 124, Err: fmt.Errorf("%s: %w", key, runErr)}
	}
	return runErr
}

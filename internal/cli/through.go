package cli

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/remex/internal/ssh"
	"github.com/tOgg1/remex/internal/sshconfig"
)

var (
	throughConnect    connectFlags
	throughRun        execFlags
	throughTargetUser string
	throughTargetKeys []string
)

func init() {
	rootCmd.AddCommand(throughCmd)

	addConnectFlags(throughCmd.Flags(), &throughConnect)
	addExecFlags(throughCmd, &throughRun)
	throughCmd.Flags().StringVar(&throughTargetUser, "target-user", "", "login user on the target (default: same credentials as the proxy)")
	throughCmd.Flags().StringSliceVar(&throughTargetKeys, "target-identity", nil, "private key file for the target (repeatable)")
}

var throughCmd = &cobra.Command{
	Use:   "through PROXY TARGET -- COMMAND...",
	Short: "Run a command on a host reached through another host",
	Long: `Connect to PROXY, open a tunnel from it to TARGET and run the command
on TARGET. The tunnel is closed when the command finishes.

Unless --target-user or --target-identity is given, the proxy's
credentials are reused for the target.`,
	Example: `  remex through bastion 10.0.3.7 -- hostname
  remex through bastion admin@10.0.3.7:2200 --target-identity ~/.ssh/inner -- id`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dash := cmd.ArgsLenAtDash()
		if dash != 2 {
			return errors.New("usage: remex through PROXY TARGET -- COMMAND...")
		}
		proxyTarget, err := resolveTarget(args[0])
		if err != nil {
			return err
		}
		targetUser, targetHost, targetPort := sshconfig.ParseTarget(args[1])
		command := strings.Join(args[2:], " ")

		opts, err := throughRun.options()
		if err != nil {
			return err
		}

		proxy, err := connectTarget(ctx, proxyTarget, throughConnect, nil)
		if err != nil {
			return err
		}
		defer proxy.Close()

		var auth *ssh.Auth
		user := firstNonEmpty(throughTargetUser, targetUser)
		if user != "" || len(throughTargetKeys) > 0 {
			auth = ssh.NewAuth(user, "", throughTargetKeys...)
		}

		remote := command
		if throughRun.sudo {
			remote = ssh.PrepareCommand(command, true, "", "")
		}
		result, runErr := proxy.ExecuteThroughHost(ctx, targetHost, remote, auth, targetPort, opts...)
		if runErr == nil && !slices.Contains(throughRun.expect, result.ExitCode()) {
			runErr = &ssh.CalledProcessError{Result: result, Expected: throughRun.expect}
		}

		targetCfg := proxy.Hosts().Get(targetHost)
		key := ssh.HostKey{Host: targetCfg.HostName, Port: targetPort}
		if key.Port == 0 {
			key.Port = targetCfg.PortOrDefault()
		}
		if auth == nil {
			auth = proxy.Auth()
		}
		recordThrough(ctx, key, auth.Username, throughRun.masked(command), result, runErr)

		return reportResult(os.Stdout, os.Stderr, key, result, runErr)
	},
}

func recordThrough(ctx context.Context, key ssh.HostKey, user, command string, result *ssh.ExecResult, runErr error) {
	recorder, closeHistory := openRecorder(ctx)
	defer closeHistory()
	if err := recorder.Record(context.WithoutCancel(ctx), key, user, command, result, runErr); err != nil {
		cliLogger().Warn().Err(err).Msg("failed to record history")
	}
}

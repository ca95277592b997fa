package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tOgg1/remex/internal/ssh"
)

var sftpConnect connectFlags

func init() {
	rootCmd.AddCommand(sftpCmd)
	addConnectFlags(sftpCmd.PersistentFlags(), &sftpConnect)

	sftpCmd.AddCommand(sftpStatCmd, sftpExistsCmd, sftpLsCmd, sftpUploadCmd, sftpDownloadCmd, sftpChmodCmd)
}

var sftpCmd = &cobra.Command{
	Use:   "sftp",
	Short: "Inspect and transfer remote files over SFTP",
	Long: `File operations on a remote host over the SFTP subsystem.

Every subcommand takes an optional HOST first; without it the target
selected with 'remex use' is used.`,
}

// withSFTPClient connects to the host in args (when there are more than
// want arguments) and calls fn with the remaining arguments.
func withSFTPClient(cmd *cobra.Command, args []string, want int, fn func(ctx context.Context, c *ssh.Client, rest []string) error) error {
	host := ""
	if len(args) > want {
		host, args = args[0], args[1:]
	}
	t, err := resolveTarget(host)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	client, err := connectTarget(ctx, t, sftpConnect, nil)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client, args)
}

var sftpStatCmd = &cobra.Command{
	Use:   "stat [HOST] PATH",
	Short: "Show file metadata",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSFTPClient(cmd, args, 1, func(ctx context.Context, c *ssh.Client, rest []string) error {
			info, err := c.Stat(ctx, rest[0])
			if err != nil {
				return err
			}
			if IsJSONOutput() {
				return WriteOutput(os.Stdout, map[string]any{
					"path":     rest[0],
					"size":     info.Size(),
					"mode":     info.Mode().String(),
					"modified": info.ModTime(),
					"is_dir":   info.IsDir(),
				})
			}
			return writeTable(os.Stdout, nil, [][]string{
				{"Path:", rest[0]},
				{"Size:", strconv.FormatInt(info.Size(), 10)},
				{"Mode:", info.Mode().String()},
				{"Modified:", info.ModTime().Format("2006-01-02 15:04:05 MST")},
			})
		})
	},
}

var sftpExistsCmd = &cobra.Command{
	Use:   "exists [HOST] PATH",
	Short: "Exit 0 when the path exists, 1 otherwise",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSFTPClient(cmd, args, 1, func(ctx context.Context, c *ssh.Client, rest []string) error {
			exists, err := c.Exists(ctx, rest[0])
			if err != nil {
				return err
			}
			if IsJSONOutput() {
				if err := WriteOutput(os.Stdout, map[string]any{"path": rest[0], "exists": exists}); err != nil {
					return err
				}
			} else if !IsQuiet() {
				fmt.Println(formatYesNo(exists))
			}
			if !exists {
				return &ExitError{Code: 1, Printed: true}
			}
			return nil
		})
	},
}

var sftpLsCmd = &cobra.Command{
	Use:   "ls [HOST] DIR",
	Short: "List a remote directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSFTPClient(cmd, args, 1, func(ctx context.Context, c *ssh.Client, rest []string) error {
			sc, err := c.SFTP(ctx)
			if err != nil {
				return err
			}
			entries, err := sc.ReadDir(rest[0])
			if err != nil {
				return fmt.Errorf("list %s: %w", rest[0], err)
			}
			if IsJSONOutput() {
				out := make([]map[string]any, 0, len(entries))
				for _, e := range entries {
					out = append(out, map[string]any{"name": e.Name(), "size": e.Size(), "mode": e.Mode().String(), "is_dir": e.IsDir()})
				}
				return WriteOutput(os.Stdout, out)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name = styled(hostStyle, name+"/")
				}
				rows = append(rows, []string{e.Mode().String(), strconv.FormatInt(e.Size(), 10), e.ModTime().Format("Jan _2 15:04"), name})
			}
			return writeTable(os.Stdout, nil, rows)
		})
	},
}

var sftpUploadCmd = &cobra.Command{
	Use:   "upload [HOST] LOCAL REMOTE",
	Short: "Copy a local file to the host",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSFTPClient(cmd, args, 2, func(ctx context.Context, c *ssh.Client, rest []string) error {
			n, err := c.Upload(ctx, rest[0], rest[1])
			if err != nil {
				return err
			}
			return reportTransfer(rest[0], rest[1], n)
		})
	},
}

var sftpDownloadCmd = &cobra.Command{
	Use:   "download [HOST] REMOTE LOCAL",
	Short: "Copy a file from the host",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSFTPClient(cmd, args, 2, func(ctx context.Context, c *ssh.Client, rest []string) error {
			n, err := c.Download(ctx, rest[0], rest[1])
			if err != nil {
				return err
			}
			return reportTransfer(rest[0], rest[1], n)
		})
	},
}

var sftpChmodCmd = &cobra.Command{
	Use:   "chmod [HOST] MODE PATH",
	Short: "Change remote file permissions (octal MODE)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSFTPClient(cmd, args, 2, func(ctx context.Context, c *ssh.Client, rest []string) error {
			mode, err := parseFileMode(rest[0])
			if err != nil {
				return err
			}
			if err := c.Chmod(ctx, rest[1], mode); err != nil {
				return err
			}
			if !IsQuiet() && !IsJSONOutput() {
				fmt.Printf("%s mode set to %s\n", rest[1], mode)
			}
			return nil
		})
	},
}

func parseFileMode(value string) (os.FileMode, error) {
	n, err := strconv.ParseUint(value, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("invalid mode %q: want octal permission bits such as 0644", value)
	}
	return os.FileMode(n), nil
}

func reportTransfer(src, dst string, n int64) error {
	if IsJSONOutput() {
		return WriteOutput(os.Stdout, map[string]any{"source": src, "destination": dst, "bytes": n})
	}
	if !IsQuiet() {
		fmt.Printf("%s -> %s (%d bytes)\n", src, dst, n)
	}
	return nil
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/remex/internal/config"
	"github.com/tOgg1/remex/internal/sshconfig"
)

var (
	useClear bool
	useSudo  bool
)

func init() {
	rootCmd.AddCommand(useCmd)

	useCmd.Flags().BoolVar(&useClear, "clear", false, "forget the default target")
	useCmd.Flags().BoolVar(&useSudo, "sudo", false, "run commands on the default target through sudo")
}

var useCmd = &cobra.Command{
	Use:   "use [HOST]",
	Short: "Select or show the default target",
	Long: `Select the host used when a command is given without one.

HOST may be an SSH config alias or user@host:port. Without arguments the
current default target is shown.`,
	Example: `  remex use web01
  remex use --sudo deploy@db01:2222
  remex use --clear`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.NewContextStore(contextPath)

		if useClear {
			if err := store.Clear(); err != nil {
				return err
			}
			if !IsQuiet() && !IsJSONOutput() {
				fmt.Println("Default target cleared")
			}
			return nil
		}

		current, err := store.Load()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			user, host, port := sshconfig.ParseTarget(args[0])
			current.SetTarget(host, user, port)
			current.Sudo = useSudo
			if err := store.Save(current); err != nil {
				return err
			}
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, current)
		}
		if IsQuiet() {
			return nil
		}
		fmt.Printf("Default target: %s\n", styled(hostStyle, current.String()))
		return nil
	},
}

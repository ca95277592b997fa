package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/remex/internal/history"
)

var (
	historyHost    string
	historyRun     string
	historyGrep    string
	historyFailed  bool
	historySince   time.Duration
	historyLimit   int
	historyKeep    int
	historyPruneOf string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyPruneCmd)

	historyListCmd.Flags().StringVar(&historyHost, "host", "", "only entries for this host")
	historyListCmd.Flags().StringVar(&historyRun, "run", "", "only entries of this fan-out run")
	historyListCmd.Flags().StringVar(&historyGrep, "grep", "", "only commands containing this text")
	historyListCmd.Flags().BoolVar(&historyFailed, "failed", false, "only failed executions")
	historyListCmd.Flags().DurationVar(&historySince, "since", 0, "only entries newer than this (e.g. 24h)")
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum entries to show")

	historyPruneCmd.Flags().IntVar(&historyKeep, "keep", -1, "entries to keep (default from config)")
	historyPruneCmd.Flags().StringVar(&historyPruneOf, "host", "", "delete every entry of this host instead")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded executions",
	Long:  "Executions run through remex are recorded in a local SQLite database when history is enabled.",
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	return history.Open(cmd.Context(), GetConfig().HistoryPath())
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		filter := history.Filter{
			Host:        historyHost,
			RunID:       historyRun,
			CommandLike: historyGrep,
			FailedOnly:  historyFailed,
			Limit:       historyLimit,
		}
		if historySince > 0 {
			since := time.Now().Add(-historySince)
			filter.Since = &since
		}

		entries, err := store.ListFiltered(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return WriteOutput(os.Stdout, entries)
		}
		if len(entries) == 0 {
			if !IsQuiet() {
				fmt.Fprintln(os.Stderr, "No executions recorded.")
			}
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				shortID(e.ID),
				e.StartedAt.Local().Format("2006-01-02 15:04:05"),
				e.Host + ":" + strconv.Itoa(e.Port),
				formatExitCode(e.ExitCode),
				e.Duration.Round(time.Millisecond).String(),
				truncateCell(e.Command, 50),
			})
		}
		return writeTable(os.Stdout, []string{"ID", "STARTED", "HOST", "EXIT", "DURATION", "COMMAND"}, rows)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one execution with its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		entry, err := findEntry(cmd, store, args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return WriteOutput(os.Stdout, entry)
		}

		rows := [][]string{
			{"ID:", entry.ID},
			{"Host:", fmt.Sprintf("%s:%d", entry.Host, entry.Port)},
			{"User:", entry.User},
			{"Command:", entry.Command},
			{"Exit:", formatExitCode(entry.ExitCode)},
			{"Started:", entry.StartedAt.Local().Format(time.RFC3339)},
			{"Duration:", entry.Duration.String()},
		}
		if entry.RunID != "" {
			rows = append(rows, []string{"Run:", entry.RunID})
		}
		if entry.Error != "" {
			rows = append(rows, []string{"Error:", styled(failStyle, entry.Error)})
		}
		if err := writeTable(os.Stdout, nil, rows); err != nil {
			return err
		}
		if entry.Stdout != "" {
			fmt.Printf("\n%s\n%s", styled(headerStyle, "stdout"), ensureNewline(entry.Stdout))
		}
		if entry.Stderr != "" {
			fmt.Printf("\n%s\n%s", styled(headerStyle, "stderr"), ensureNewline(entry.Stderr))
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		var deleted int64
		if historyPruneOf != "" {
			deleted, err = store.DeleteHost(cmd.Context(), historyPruneOf)
		} else {
			keep := GetConfig().History.MaxRows
			if historyKeep >= 0 {
				keep = historyKeep
			}
			if keep == 0 {
				return fmt.Errorf("refusing to prune with nothing to keep; use --keep N with N > 0")
			}
			deleted, err = store.Cleanup(cmd.Context(), keep)
		}
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, map[string]any{"deleted": deleted})
		}
		if !IsQuiet() {
			fmt.Printf("Deleted %d execution(s)\n", deleted)
		}
		return nil
	},
}

// findEntry looks up id, accepting a unique prefix as shown by list.
func findEntry(cmd *cobra.Command, store *history.Store, id string) (*history.Entry, error) {
	entry, err := store.Get(cmd.Context(), id)
	if err == nil {
		return entry, nil
	}
	entries, listErr := store.ListFiltered(cmd.Context(), history.Filter{Limit: 1000})
	if listErr != nil {
		return nil, listErr
	}
	var match *history.Entry
	for _, e := range entries {
		if len(id) >= 4 && len(e.ID) >= len(id) && e.ID[:len(id)] == id {
			if match != nil {
				return nil, fmt.Errorf("id prefix %q is ambiguous", id)
			}
			match = e
		}
	}
	if match == nil {
		return nil, err
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ensureNewline(s string) string {
	if s == "" || s[len(s)-1] == '\n' {
		return s
	}
	return s + "\n"
}

package cli

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tOgg1/remex/internal/ssh"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	hostStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool { return jsonOutput }

// IsQuiet reports whether --quiet was given.
func IsQuiet() bool { return quiet }

// WriteOutput writes v as indented JSON.
func WriteOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorEnabled() bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func styled(style lipgloss.Style, value string) string {
	if value == "" || !colorEnabled() {
		return value
	}
	return style.Render(value)
}

func formatExitCode(code int) string {
	switch code {
	case 0:
		return styled(okStyle, "0")
	case ssh.ExitCodeInvalid:
		return styled(failStyle, "-")
	default:
		return styled(failStyle, strconv.Itoa(code))
	}
}

// resultView is the JSON shape of one execution.
type resultView struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Command    string `json:"command"`
	ExitCode   *int   `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func newResultView(key ssh.HostKey, result *ssh.ExecResult, err error) resultView {
	view := resultView{Host: key.Host, Port: key.Port}
	if result != nil {
		view.Command = result.Command
		if code := result.ExitCode(); code != ssh.ExitCodeInvalid {
			view.ExitCode = &code
		}
		view.Stdout = result.StdoutString()
		view.Stderr = result.StderrString()
		view.DurationMS = result.Duration().Milliseconds()
	}
	if err != nil {
		view.Error = err.Error()
	}
	return view
}

package ssh

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultChrootExe is the binary used to enter a chroot.
const DefaultChrootExe = "chroot"

var safeShellWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// ShellQuote quotes s for a POSIX shell. Safe words pass through unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// JoinCommand quotes each argument and joins them with spaces.
func JoinCommand(args ...string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = ShellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// PrepareCommand wraps cmd for sudo and chroot execution. Without either it
// returns cmd unchanged. The wrapped form evaluates cmd in a fresh sh so
// pipes and redirections run under the elevated or chrooted shell.
func PrepareCommand(cmd string, sudo bool, chrootPath, chrootExe string) string {
	if !sudo && chrootPath == "" {
		return cmd
	}
	if chrootExe == "" {
		chrootExe = DefaultChrootExe
	}

	inner := ShellQuote("eval " + ShellQuote(cmd))
	switch {
	case !sudo:
		return fmt.Sprintf("%s %s sh -c %s", chrootExe, ShellQuote(chrootPath), inner)
	case chrootPath == "":
		return "sudo -S sh -c " + inner
	default:
		return fmt.Sprintf("%s %s sudo sh -c %s", chrootExe, ShellQuote(chrootPath), inner)
	}
}

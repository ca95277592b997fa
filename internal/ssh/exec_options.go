package ssh

import (
	"regexp"
	"time"
)

// ExecOption configures a single command execution.
type ExecOption func(*execOptions)

type execOptions struct {
	timeout     time.Duration
	timeoutSet  bool
	verbose     *bool
	logMask     *regexp.Regexp
	stdin       []byte
	openStdout  bool
	openStderr  bool
	logStdout   bool
	logStderr   bool
	pty         bool
	width       int
	height      int
	chrootPath  string
	chrootExe   string
	expected    []int
	raiseOnErr  bool
	maxParallel int
}

func defaultExecOptions() execOptions {
	return execOptions{
		openStdout: true,
		openStderr: true,
		logStdout:  true,
		logStderr:  true,
		width:      80,
		height:     24,
		chrootExe:  DefaultChrootExe,
		expected:   []int{0},
		raiseOnErr: true,
	}
}

// WithTimeout bounds the command. Zero waits forever.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// WithExecVerbose overrides the client's verbosity for one call.
func WithExecVerbose(verbose bool) ExecOption {
	return func(o *execOptions) { o.verbose = &verbose }
}

// WithCommandMask hides matching parts of the command in logs and results,
// in addition to the client's mask.
func WithCommandMask(re *regexp.Regexp) ExecOption {
	return func(o *execOptions) { o.logMask = re }
}

// WithStdin sends data to the command and then closes its stdin.
func WithStdin(data []byte) ExecOption {
	return func(o *execOptions) { o.stdin = data }
}

// WithOpenStdout controls whether stdout is captured.
func WithOpenStdout(open bool) ExecOption {
	return func(o *execOptions) { o.openStdout = open }
}

// WithOpenStderr controls whether stderr is captured.
func WithOpenStderr(open bool) ExecOption {
	return func(o *execOptions) { o.openStderr = open }
}

// WithLogOutput controls whether captured lines are logged.
func WithLogOutput(stdout, stderr bool) ExecOption {
	return func(o *execOptions) {
		o.logStdout = stdout
		o.logStderr = stderr
	}
}

// WithPty requests a vt100 pseudo-terminal of the given size. Zero values
// keep 80x24.
func WithPty(width, height int) ExecOption {
	return func(o *execOptions) {
		o.pty = true
		if width > 0 {
			o.width = width
		}
		if height > 0 {
			o.height = height
		}
	}
}

// WithChroot runs the command inside path, overriding the client default.
func WithChroot(path string) ExecOption {
	return func(o *execOptions) { o.chrootPath = path }
}

// WithChrootExe replaces the chroot binary.
func WithChrootExe(exe string) ExecOption {
	return func(o *execOptions) { o.chrootExe = exe }
}

// WithExpected sets the accepted exit codes. Defaults to 0.
func WithExpected(codes ...int) ExecOption {
	return func(o *execOptions) { o.expected = append([]int(nil), codes...) }
}

// WithRaiseOnError controls whether unexpected exit codes become errors.
func WithRaiseOnError(raise bool) ExecOption {
	return func(o *execOptions) { o.raiseOnErr = raise }
}

// WithMaxParallel bounds concurrent remotes in ExecuteTogether.
func WithMaxParallel(n int) ExecOption {
	return func(o *execOptions) { o.maxParallel = n }
}

func (c *Client) execOptions(opts []ExecOption) execOptions {
	o := defaultExecOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !o.timeoutSet {
		o.timeout = c.opts.defaultTimeout
	}
	if o.chrootPath == "" {
		o.chrootPath = c.opts.chrootPath
	}
	if o.chrootExe == "" {
		o.chrootExe = DefaultChrootExe
	}
	if len(o.expected) == 0 {
		o.expected = []int{0}
	}
	return o
}

func (o execOptions) isVerbose(client bool) bool {
	if o.verbose != nil {
		return *o.verbose
	}
	return client
}

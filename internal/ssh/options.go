package ssh

import (
	"net"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/remex/internal/sshconfig"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	port             int
	username         string
	password         string
	auth             *Auth
	authMap          *AuthMapping
	hosts            *sshconfig.Hosts
	sshConfigPath    string
	conn             net.Conn
	keepalive        int
	allowAgent       bool
	verbose          bool
	connectTimeout   time.Duration
	retryAttempts    int
	retryDelay       time.Duration
	defaultTimeout   time.Duration
	hostKeyCallback  xssh.HostKeyCallback
	knownHostsPath   string
	logMask          *regexp.Regexp
	chrootPath       string
	passphrasePrompt PassphrasePrompt
	logger           *zerolog.Logger
}

func defaultOptions() options {
	return options{
		keepalive:      1,
		allowAgent:     true,
		connectTimeout: 30 * time.Second,
		retryAttempts:  3,
		retryDelay:     3 * time.Second,
		defaultTimeout: time.Hour,
	}
}

// WithPort overrides the port from the SSH config.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithUser sets the login user.
func WithUser(username string) Option {
	return func(o *options) { o.username = username }
}

// WithPassword sets the login password, also used for sudo.
func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

// WithAuth sets explicit credentials. They win over user and password.
func WithAuth(auth *Auth) Option {
	return func(o *options) { o.auth = auth }
}

// WithAuthMapping shares a host to credentials mapping between clients.
func WithAuthMapping(m *AuthMapping) Option {
	return func(o *options) { o.authMap = m }
}

// WithHosts uses pre-resolved host settings instead of reading a config file.
func WithHosts(hosts *sshconfig.Hosts) Option {
	return func(o *options) { o.hosts = hosts }
}

// WithSSHConfigPath reads host settings from path.
func WithSSHConfigPath(path string) Option {
	return func(o *options) { o.sshConfigPath = path }
}

// WithConn runs the SSH session over an established connection, such as a
// tunneled channel. No connection chain is built.
func WithConn(conn net.Conn) Option {
	return func(o *options) { o.conn = conn }
}

// WithKeepalive sets the keepalive period in seconds. Zero disables both
// keepalive packets and keepalive mode.
func WithKeepalive(seconds int) Option {
	return func(o *options) { o.keepalive = seconds }
}

// WithAllowAgent toggles use of SSH_AUTH_SOCK.
func WithAllowAgent(allow bool) Option {
	return func(o *options) { o.allowAgent = allow }
}

// WithVerbose logs commands and their output at info instead of debug.
func WithVerbose(verbose bool) Option {
	return func(o *options) { o.verbose = verbose }
}

// WithConnectTimeout bounds dial plus handshake per attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithRetry sets the connect attempt count and the fixed delay between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryDelay = delay
	}
}

// WithDefaultTimeout sets the command timeout used when Execute gets none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

// WithHostKeyCallback verifies server keys with cb.
func WithHostKeyCallback(cb xssh.HostKeyCallback) Option {
	return func(o *options) { o.hostKeyCallback = cb }
}

// WithKnownHosts verifies server keys against a known_hosts file.
func WithKnownHosts(path string) Option {
	return func(o *options) { o.knownHostsPath = path }
}

// WithLogMask hides matching parts of every command in logs and results.
func WithLogMask(re *regexp.Regexp) Option {
	return func(o *options) { o.logMask = re }
}

// WithChrootPath runs every command inside path unless overridden per call.
func WithChrootPath(path string) Option {
	return func(o *options) { o.chrootPath = path }
}

// WithPassphrasePrompt unlocks encrypted identity files.
func WithPassphrasePrompt(prompt PassphrasePrompt) Option {
	return func(o *options) { o.passphrasePrompt = prompt }
}

// WithLogger replaces the package logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

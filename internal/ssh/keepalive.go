package ssh

import (
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

const keepaliveRequest = "keepalive@openssh.com"

// KeepaliveMode reports whether the connection survives the end of the
// outermost scope.
func (c *Client) KeepaliveMode() bool {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.keepaliveMode
}

// SetKeepaliveMode sets whether Release keeps the connection open.
func (c *Client) SetKeepaliveMode(on bool) {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.keepaliveMode = on
}

// KeepalivePeriod returns the keepalive interval in seconds.
func (c *Client) KeepalivePeriod() int {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.keepalivePeriod
}

// SetKeepalivePeriod changes the keepalive interval and applies it to a
// live transport at once. Zero stops keepalive packets.
func (c *Client) SetKeepalivePeriod(seconds int) {
	c.settingsMu.Lock()
	c.keepalivePeriod = seconds
	c.settingsMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.startKeepaliveLocked(seconds)
	}
}

func (c *Client) startKeepaliveLocked(seconds int) {
	c.stopKeepaliveLocked()
	if seconds <= 0 || c.client == nil {
		return
	}
	stop := make(chan struct{})
	c.keepaliveStop = stop
	go keepaliveLoop(c.client, time.Duration(seconds)*time.Second, stop, c.logger)
}

func (c *Client) stopKeepaliveLocked() {
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
}

// keepaliveLoop must not capture the Client, or its finalizer never runs.
func keepaliveLoop(client *xssh.Client, interval time.Duration, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest(keepaliveRequest, true, nil); err != nil {
				logger.Debug().Err(err).Msg("keepalive failed, stopping")
				return
			}
		}
	}
}

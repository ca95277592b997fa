package ssh

// SudoMode reports whether commands are wrapped with sudo.
func (c *Client) SudoMode() bool {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.sudo
}

// SetSudoMode sets whether commands are wrapped with sudo.
func (c *Client) SetSudoMode(on bool) {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.sudo = on
}

// Sudo enforces sudo mode until the returned func restores the previous
// value. A nil enforce keeps the current mode.
func (c *Client) Sudo(enforce *bool) (restore func()) {
	c.settingsMu.Lock()
	prev := c.sudo
	if enforce != nil {
		c.sudo = *enforce
	}
	c.settingsMu.Unlock()

	return func() { c.SetSudoMode(prev) }
}

// WithSudo runs fn with sudo mode set to enforce.
func (c *Client) WithSudo(enforce bool, fn func() error) error {
	defer c.Sudo(&enforce)()
	return fn()
}

// Acquire enters a usage scope. Scopes nest; the connection is closed when
// the outermost one is released, unless keepalive mode is on.
func (c *Client) Acquire() {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.depth++
}

// Release leaves a scope opened with Acquire.
func (c *Client) Release() error {
	c.settingsMu.Lock()
	if c.depth == 0 {
		c.settingsMu.Unlock()
		return nil
	}
	c.depth--
	closeNow := c.depth == 0 && !c.keepaliveMode
	c.settingsMu.Unlock()

	if closeNow {
		return c.Close()
	}
	return nil
}

// Use runs fn inside a usage scope.
func (c *Client) Use(fn func(*Client) error) error {
	c.Acquire()
	err := fn(c)
	if relErr := c.Release(); err == nil {
		err = relErr
	}
	return err
}

// KeepAlive enters a scope with keepalive mode on when period is non-zero
// and the keepalive interval set to period. The returned func leaves the
// scope first and then restores both settings, so a zero period closes the
// connection on exit.
func (c *Client) KeepAlive(period int) (restore func() error) {
	c.Acquire()

	c.settingsMu.Lock()
	prevMode, prevPeriod := c.keepaliveMode, c.keepalivePeriod
	c.keepaliveMode = period != 0
	c.settingsMu.Unlock()
	c.SetKeepalivePeriod(period)

	return func() error {
		err := c.Release()
		c.SetKeepaliveMode(prevMode)
		c.SetKeepalivePeriod(prevPeriod)
		return err
	}
}

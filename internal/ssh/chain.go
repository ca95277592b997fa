package ssh

import (
	"fmt"
	"slices"

	"github.com/tOgg1/remex/internal/sshconfig"
)

// Hop is one SSH login on the way to the destination.
type Hop struct {
	Config sshconfig.HostConfig
	Auth   *Auth
}

// BuildChain walks ProxyJump entries back from alias and returns the hops
// in connection order: index 0 is the outermost proxy, the last element is
// the destination. Hops without a mapping entry authenticate with their own
// config's user and identity files.
func BuildChain(alias string, hosts *sshconfig.Hosts, mapping *AuthMapping) ([]Hop, error) {
	cfg := hosts.Get(alias)
	def := NewAuth(cfg.User, "", cfg.IdentityFiles...)
	chain := []Hop{{Config: cfg, Auth: mapping.GetWithAlt(cfg.HostName, alias, def)}}

	seen := map[string]bool{alias: true}
	for cfg.ProxyJump != "" {
		jump := cfg.ProxyJump
		if seen[jump] {
			return nil, fmt.Errorf("%w: %s", ErrProxyJumpLoop, jump)
		}
		seen[jump] = true

		cfg = hosts.Get(jump)
		def := NewAuth(cfg.User, "", cfg.IdentityFiles...)
		chain = append(chain, Hop{Config: cfg, Auth: mapping.Get(cfg.HostName, def)})
	}

	slices.Reverse(chain)
	return chain, nil
}

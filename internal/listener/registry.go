// Package listener consumes the XRPL payment feed: it maintains the set of
// monitored addresses, classifies incoming payments by destination, and
// routes them to the bridge and redemption services.
package listener

import "sync"

// AddressKind says why an address is being watched.
type AddressKind string

const (
	// KindDeposit is the static bridge deposit vault address.
	KindDeposit AddressKind = "deposit"
	// KindAgent is an agent underlying address expecting a minting payment.
	KindAgent AddressKind = "agent"
	// KindUser is a user wallet expecting a redemption payout.
	KindUser AddressKind = "user"
	// KindUnknown means the address is not monitored.
	KindUnknown AddressKind = "unknown"
)

// Registry is the in-memory set of monitored XRPL addresses. The deposit
// vault is fixed at construction; agent and user addresses churn as
// operations open and close. An address can be in both the agent and user
// sets at once; classification precedence is deposit > agent > user.
type Registry struct {
	mu     sync.RWMutex
	vault  string
	agents map[string]struct{}
	users  map[string]struct{}
}

// NewRegistry creates a Registry watching the given deposit vault address.
func NewRegistry(vaultAddress string) *Registry {
	return &Registry{
		vault:  vaultAddress,
		agents: make(map[string]struct{}),
		users:  make(map[string]struct{}),
	}
}

// Vault returns the static deposit vault address.
func (r *Registry) Vault() string {
	return r.vault
}

// AddAgent adds an agent address. It reports whether the address was newly
// added; re-adding an existing address is a no-op.
func (r *Registry) AddAgent(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[addr]; ok {
		return false
	}
	r.agents[addr] = struct{}{}
	return true
}

// RemoveAgent removes an agent address. It reports whether the address was
// present.
func (r *Registry) RemoveAgent(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[addr]; !ok {
		return false
	}
	delete(r.agents, addr)
	return true
}

// AddUser adds a user wallet address. It reports whether the address was
// newly added.
func (r *Registry) AddUser(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[addr]; ok {
		return false
	}
	r.users[addr] = struct{}{}
	return true
}

// RemoveUser removes a user wallet address. It reports whether the address
// was present.
func (r *Registry) RemoveUser(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[addr]; !ok {
		return false
	}
	delete(r.users, addr)
	return true
}

// IsAgent reports whether addr is a known agent underlying address.
func (r *Registry) IsAgent(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[addr]
	return ok
}

// Watched reports whether addr appears in any set, including the vault.
func (r *Registry) Watched(addr string) bool {
	return r.Classify(addr) != KindUnknown
}

// Classify returns the kind of the destination address, applying the
// precedence deposit > agent > user.
func (r *Registry) Classify(dest string) AddressKind {
	if dest == r.vault {
		return KindDeposit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.agents[dest]; ok {
		return KindAgent
	}
	if _, ok := r.users[dest]; ok {
		return KindUser
	}
	return KindUnknown
}

// Addresses returns every monitored address (vault first), for restoring
// the full subscription set after a reconnect or at startup.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, 1+len(r.agents)+len(r.users))
	out = append(out, r.vault)
	for a := range r.agents {
		out = append(out, a)
	}
	for u := range r.users {
		if _, dup := r.agents[u]; dup {
			continue
		}
		out = append(out, u)
	}
	return out
}

package presence

import (
	"context"
	"sync"

	"github.com/samber/lo"

	"github.com/Cypherspark/chat-gateway/internal/core"
)

// Channel is one live delivery path to a connected device. Push must respect
// ctx and return an error for a closed or hung transport.
type Channel interface {
	ID() string
	Push(ctx context.Context, ev core.Event) error
}

// Registry maps online users to their active channels. Process-lifetime only;
// nothing here survives a restart, and nothing here needs to.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[string]Channel)}
}

// Register adds a channel to the user's active set. Registering the same
// channel twice is a no-op.
func (r *Registry) Register(userID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]Channel)
		r.byUser[userID] = set
	}
	set[ch.ID()] = ch
}

// Unregister removes the channel; removing the last one takes the user
// offline. Safe to call for a channel that was never registered.
func (r *Registry) Unregister(userID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(set, ch.ID())
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}

// ActiveChannelsFor returns a point-in-time snapshot. A returned channel may
// already be dead by the time it is pushed to; callers must treat push
// failures as "offline", never as delivered.
func (r *Registry) ActiveChannelsFor(userID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.byUser[userID])
}

// Online lists currently connected user ids.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser)
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

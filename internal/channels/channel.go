// Package channels integrates messaging platforms. Each adapter appends
// inbound messages to the durable store and publishes a wake event; replies
// flow back out through the same adapter.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Notify delivers a reply to the given chat.
	Notify(ctx context.Context, chatID, text string) error
}

// Registry holds the active channels and routes outbound replies to the
// adapter a message came from.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]Channel),
		logger:   logger,
	}
}

// Register adds a channel. Duplicate names are an error.
func (r *Registry) Register(c Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[c.Name()]; exists {
		return fmt.Errorf("channel %q already registered", c.Name())
	}
	r.channels[c.Name()] = c
	return nil
}

// Get returns the channel with the given name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	return c, ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify routes a reply to the named channel.
func (r *Registry) Notify(ctx context.Context, channel, chatID, text string) error {
	c, ok := r.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return c.Notify(ctx, chatID, text)
}

// StartAll launches every registered channel in its own goroutine. Adapter
// failures are logged, not fatal to the daemon.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.channels {
		c := c
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("channel stopped", "channel", c.Name(), "error", err)
			}
		}()
	}
}

// Wait blocks until all started channels have stopped.
func (r *Registry) Wait() {
	r.wg.Wait()
}

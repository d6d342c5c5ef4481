package constraint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"zrbackup/internal/state"
)

// ErrUnknownConstraint is returned for a factory key nothing registered.
var ErrUnknownConstraint = errors.New("unknown constraint")

// DefaultPollInterval is how often Wait re-checks constraints that have no
// notifier.
const DefaultPollInterval = time.Second

// Registry maps factory keys to constraints.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Constraint

	PollInterval time.Duration
}

func NewRegistry(cs ...Constraint) *Registry {
	r := &Registry{
		byKey:        make(map[string]Constraint, len(cs)),
		PollInterval: DefaultPollInterval,
	}
	for _, c := range cs {
		r.Register(c)
	}
	return r
}

// NewDefaultRegistry registers the four archive constraints.
func NewDefaultRegistry(src state.Source, stickers *StickerDownloads) *Registry {
	return NewRegistry(
		Registered(src),
		NoRemoteArchiveGarbageCollectionPending(src),
		DeletionNotAwaitingMediaDownload(src),
		StickersNotDownloading(stickers),
	)
}

// Register adds c, replacing any constraint with the same key.
func (r *Registry) Register(c Constraint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[c.FactoryKey()] = c
}

func (r *Registry) Get(key string) (Constraint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[key]
	return c, ok
}

// Keys returns the registered factory keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (r *Registry) lookup(keys []string) ([]Constraint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs := make([]Constraint, 0, len(keys))
	for _, k := range keys {
		c, ok := r.byKey[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConstraint, k)
		}
		cs = append(cs, c)
	}
	return cs, nil
}

// Unmet returns the keys, in the given order, whose constraints are not met.
func (r *Registry) Unmet(keys ...string) ([]string, error) {
	cs, err := r.lookup(keys)
	if err != nil {
		return nil, err
	}
	return unmet(cs), nil
}

func unmet(cs []Constraint) []string {
	var out []string
	for _, c := range cs {
		if !c.IsMet() {
			out = append(out, c.FactoryKey())
		}
	}
	return out
}

// Wait blocks until every named constraint is met or ctx is done. Constraints
// are re-evaluated when one of their notifiers fires. Constraints without a
// notifier are polled.
func (r *Registry) Wait(ctx context.Context, keys ...string) error {
	cs, err := r.lookup(keys)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the first check so no change is missed.
	wake := make(chan struct{}, 1)
	poll := false
	for _, c := range cs {
		n, ok := c.(Notifier)
		if !ok {
			poll = true
			continue
		}
		ch, unsubscribe := n.Subscribe()
		defer unsubscribe()
		go forward(ctx, ch, wake)
	}

	var tick <-chan time.Time
	if poll {
		interval := r.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if len(unmet(cs)) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-tick:
		}
	}
}

func forward(ctx context.Context, from <-chan struct{}, to chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-from:
			select {
			case to <- struct{}{}:
			default:
			}
		}
	}
}

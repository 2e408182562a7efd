package loadbalancer

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// Reconcile makes the registered set match desired. New ids are
// registered, missing ids deregistered, and entries whose address or weight
// changed are replaced, which resets their health, circuit and stats.
// Unchanged entries keep their state. Per-backend failures are collected and
// returned together; the rest of the list is still applied.
func (lb *LoadBalancer) Reconcile(desired []config.BackendConfig) error {
	want := make(map[string]config.BackendConfig, len(desired))
	for _, bc := range desired {
		if _, dup := want[bc.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBackend, bc.ID)
		}
		want[bc.ID] = bc
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	var errs []error
	added, removed, replaced := 0, 0, 0
	stale := make(map[string]bool)

	for _, b := range lb.registry.All() {
		bc, keep := want[b.ID()]
		if keep && bc == b.Config() {
			continue
		}
		if err := lb.deregister(b.ID()); err != nil {
			errs = append(errs, err)
			continue
		}
		if keep {
			stale[b.ID()] = true
		} else {
			removed++
		}
	}

	for _, bc := range desired {
		if _, exists := lb.registry.Get(bc.ID); exists {
			continue
		}
		if err := lb.register(bc); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", bc.ID, err))
			continue
		}
		if stale[bc.ID] {
			replaced++
		} else {
			added++
		}
	}

	lb.logger.Info("backends reconciled",
		observability.Int("added", added),
		observability.Int("removed", removed),
		observability.Int("replaced", replaced),
		observability.Int("total", lb.registry.Len()),
	)

	return errors.Join(errs...)
}

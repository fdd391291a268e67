package perm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"devlink-server/internal/model"
)

// GrantSource is the read side of the device/user store.
type GrantSource interface {
	IsOwner(ctx context.Context, controllerID, deviceID string) (bool, error)
	GetGrant(ctx context.Context, controllerID, deviceID string) (*model.ControlGrant, error)
}

// DeniedError is a deny decision, not a lookup failure.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "forbidden: " + e.Reason }

type cacheEntry struct {
	owner     bool
	grant     *model.ControlGrant
	expiresAt time.Time
}

// Oracle answers "may controller C run action A on device D?". It holds no
// state of its own beyond a read-through cache; grant mutations must call
// Invalidate, and the TTL bounds how long a missed invalidation can linger.
type Oracle struct {
	source GrantSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewOracle(source GrantSource, ttl time.Duration) *Oracle {
	return NewOracleWithNow(source, ttl, time.Now)
}

func NewOracleWithNow(source GrantSource, ttl time.Duration, now func() time.Time) *Oracle {
	return &Oracle{
		source: source,
		ttl:    ttl,
		now:    now,
		cache:  make(map[string]cacheEntry),
	}
}

func cacheKey(controllerID, deviceID string) string {
	return controllerID + "|" + deviceID
}

// Authorize returns nil to allow, *DeniedError to deny, and any other error
// for a store failure. Owners are allowed unconditionally; everyone else
// needs an active grant whose permission set includes the action.
func (o *Oracle) Authorize(ctx context.Context, controllerID, deviceID, action string) error {
	entry, ok := o.lookup(controllerID, deviceID)
	if !ok {
		var err error
		entry, err = o.load(ctx, controllerID, deviceID)
		if err != nil {
			return fmt.Errorf("authorize %s on %s: %w", action, deviceID, err)
		}
	}

	if entry.owner {
		return nil
	}
	if entry.grant == nil {
		return &DeniedError{Reason: "no grant"}
	}
	if entry.grant.Status != model.GrantActive {
		return &DeniedError{Reason: "grant revoked"}
	}
	if !entry.grant.Permits(action) {
		return &DeniedError{Reason: "action not permitted"}
	}
	return nil
}

func (o *Oracle) lookup(controllerID, deviceID string) (cacheEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.cache[cacheKey(controllerID, deviceID)]
	if !ok || o.now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (o *Oracle) load(ctx context.Context, controllerID, deviceID string) (cacheEntry, error) {
	owner, err := o.source.IsOwner(ctx, controllerID, deviceID)
	if err != nil {
		return cacheEntry{}, err
	}
	var grant *model.ControlGrant
	if !owner {
		grant, err = o.source.GetGrant(ctx, controllerID, deviceID)
		if err != nil {
			return cacheEntry{}, err
		}
	}

	entry := cacheEntry{owner: owner, grant: grant, expiresAt: o.now().Add(o.ttl)}
	o.mu.Lock()
	o.cache[cacheKey(controllerID, deviceID)] = entry
	o.mu.Unlock()
	return entry, nil
}

// Invalidate drops the cached decision for one controller/device pair.
// Called on grant and revoke.
func (o *Oracle) Invalidate(controllerID, deviceID string) {
	o.mu.Lock()
	delete(o.cache, cacheKey(controllerID, deviceID))
	o.mu.Unlock()
}

// InvalidateDevice drops every cached decision touching a device.
func (o *Oracle) InvalidateDevice(deviceID string) {
	suffix := "|" + deviceID
	o.mu.Lock()
	for key := range o.cache {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(o.cache, key)
		}
	}
	o.mu.Unlock()
}

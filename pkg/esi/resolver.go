package esi

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"wandererkills/pkg/store"
)

// Resolver is the cached entity lookup layer. Hits come straight from the
// store; misses are collapsed per key through singleflight so a burst of
// killmails referencing the same entity produces exactly one upstream call.
// Failed lookups are never cached.
type Resolver struct {
	client *Client
	store  *store.Store
	group  singleflight.Group
}

// NewResolver wires the resolver over a raw client and the shared store.
func NewResolver(client *Client, st *store.Store) *Resolver {
	return &Resolver{client: client, store: st}
}

func flightKey(ns store.Namespace, id int64) string {
	return fmt.Sprintf("%s:%d", ns, id)
}

// Character resolves a character, cached for the entity TTL.
func (r *Resolver) Character(ctx context.Context, id int64) (*Character, error) {
	if v, err := r.store.Get(store.NSCharacter, store.Key(id)); err == nil {
		if c, ok := v.(*Character); ok {
			return c, nil
		}
	}
	v, err, _ := r.group.Do(flightKey(store.NSCharacter, id), func() (any, error) {
		c, err := r.client.GetCharacter(ctx, id)
		if err != nil {
			return nil, err
		}
		r.store.Put(store.NSCharacter, store.Key(id), c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Character), nil
}

// Corporation resolves a corporation, cached for the entity TTL.
func (r *Resolver) Corporation(ctx context.Context, id int64) (*Corporation, error) {
	if v, err := r.store.Get(store.NSCorporation, store.Key(id)); err == nil {
		if c, ok := v.(*Corporation); ok {
			return c, nil
		}
	}
	v, err, _ := r.group.Do(flightKey(store.NSCorporation, id), func() (any, error) {
		c, err := r.client.GetCorporation(ctx, id)
		if err != nil {
			return nil, err
		}
		r.store.Put(store.NSCorporation, store.Key(id), c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Corporation), nil
}

// Alliance resolves an alliance, cached for the entity TTL.
func (r *Resolver) Alliance(ctx context.Context, id int64) (*Alliance, error) {
	if v, err := r.store.Get(store.NSAlliance, store.Key(id)); err == nil {
		if a, ok := v.(*Alliance); ok {
			return a, nil
		}
	}
	v, err, _ := r.group.Do(flightKey(store.NSAlliance, id), func() (any, error) {
		a, err := r.client.GetAlliance(ctx, id)
		if err != nil {
			return nil, err
		}
		r.store.Put(store.NSAlliance, store.Key(id), a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Alliance), nil
}

// Type resolves an inventory type. The CSV seeder pre-populates this
// namespace at startup, so most lookups never leave the process.
func (r *Resolver) Type(ctx context.Context, id int64) (*Type, error) {
	if v, err := r.store.Get(store.NSType, store.Key(id)); err == nil {
		if t, ok := v.(*Type); ok {
			return t, nil
		}
	}
	v, err, _ := r.group.Do(flightKey(store.NSType, id), func() (any, error) {
		t, err := r.client.GetType(ctx, id)
		if err != nil {
			return nil, err
		}
		r.store.Put(store.NSType, store.Key(id), t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Type), nil
}

// Group resolves an inventory group.
func (r *Resolver) Group(ctx context.Context, id int64) (*Group, error) {
	if v, err := r.store.Get(store.NSGroup, store.Key(id)); err == nil {
		if g, ok := v.(*Group); ok {
			return g, nil
		}
	}
	v, err, _ := r.group.Do(flightKey(store.NSGroup, id), func() (any, error) {
		g, err := r.client.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		r.store.Put(store.NSGroup, store.Key(id), g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Group), nil
}

// Killmail fetches a full killmail document; never cached here, the enriched
// document is what the pipeline persists.
func (r *Resolver) Killmail(ctx context.Context, killmailID int64, hash string) (*Killmail, error) {
	return r.client.GetKillmail(ctx, killmailID, hash)
}

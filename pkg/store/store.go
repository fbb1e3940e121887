// Package store implements the namespaced in-process key-value store shared
// by every subsystem. Each namespace carries its own TTL policy; entries hold
// an absolute expiry instant and reads of expired entries behave as misses.
package store

import (
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"wandererkills/pkg/errs"
)

// Namespace identifies a logical key space with its own TTL.
type Namespace string

const (
	NSKillmail           Namespace = "killmail"
	NSSystemKillmails    Namespace = "system_killmails"
	NSSystemCount        Namespace = "system_count"
	NSSystemFetchTS      Namespace = "system_fetch_ts"
	NSCharacter          Namespace = "esi_character"
	NSCorporation        Namespace = "esi_corp"
	NSAlliance           Namespace = "esi_alliance"
	NSType               Namespace = "esi_type"
	NSGroup              Namespace = "esi_group"
	NSActiveSystems      Namespace = "active_systems"
	NSSubscriptionOffset Namespace = "subscription_offset"
)

// ActiveSystemsKey is the fixed key under NSActiveSystems holding the set of
// systems that received at least one killmail within the retention window.
const ActiveSystemsKey = "all"

// SystemListMax bounds the per-system killmail index; the oldest reference is
// evicted when a prepend would exceed it.
const SystemListMax = 1000

// Namespaces lists every namespace, in GC scan order.
var Namespaces = []Namespace{
	NSKillmail, NSSystemKillmails, NSSystemCount, NSSystemFetchTS,
	NSCharacter, NSCorporation, NSAlliance, NSType, NSGroup,
	NSActiveSystems, NSSubscriptionOffset,
}

// TTL returns the retention of entries in the namespace.
func (ns Namespace) TTL() time.Duration {
	switch ns {
	case NSKillmail, NSSystemKillmails, NSSystemCount:
		return 7 * 24 * time.Hour
	case NSSystemFetchTS, NSActiveSystems:
		return 24 * time.Hour
	case NSCharacter, NSCorporation, NSAlliance, NSType, NSGroup:
		return 24 * time.Hour
	case NSSubscriptionOffset:
		return 3 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Key renders an integer entity id as a store key.
func Key(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseKey(key string) (int64, error) {
	return strconv.ParseInt(key, 10, 64)
}

type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Store owns all cached state. Operations on a single key are atomic;
// multi-step operations (AddToList, Incr, AddToSet) run under per-key
// exclusion via Compute, so concurrent callers observe serializable outcomes.
type Store struct {
	namespaces map[Namespace]*xsync.Map[string, entry]

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates an empty store with one map per namespace.
func New() *Store {
	s := &Store{
		namespaces: make(map[Namespace]*xsync.Map[string, entry], len(Namespaces)),
		now:        time.Now,
	}
	for _, ns := range Namespaces {
		s.namespaces[ns] = xsync.NewMap[string, entry]()
	}
	return s
}

func (s *Store) space(ns Namespace) *xsync.Map[string, entry] {
	m, ok := s.namespaces[ns]
	if !ok {
		// Unknown namespaces indicate a programming error; fail loudly.
		panic("store: unknown namespace " + string(ns))
	}
	return m
}

// Get returns the value stored under (ns, key). Expired entries are removed
// opportunistically and reported as not found.
func (s *Store) Get(ns Namespace, key string) (any, error) {
	m := s.space(ns)
	e, ok := m.Load(key)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "%s:%s not found", ns, key)
	}
	if e.expired(s.now()) {
		s.dropIfExpired(ns, key)
		return nil, errs.Newf(errs.NotFound, "%s:%s expired", ns, key)
	}
	return e.value, nil
}

// Put stores value under the namespace's default TTL.
func (s *Store) Put(ns Namespace, key string, value any) {
	s.PutWithTTL(ns, key, value, ns.TTL())
}

// PutWithTTL stores value with an explicit TTL.
func (s *Store) PutWithTTL(ns Namespace, key string, value any, ttl time.Duration) {
	s.space(ns).Store(key, entry{value: value, expiresAt: s.now().Add(ttl)})
}

// Delete removes the entry if present.
func (s *Store) Delete(ns Namespace, key string) {
	s.space(ns).Delete(key)
}

// Exists reports whether a live entry is present.
func (s *Store) Exists(ns Namespace, key string) bool {
	_, err := s.Get(ns, key)
	return err == nil
}

// AddToList prepends element to the int64 list under (ns, key) with
// set-semantics dedup, creating the list when missing. The list is bounded at
// maxLen; 0 means unbounded. Returns true when the element was inserted.
func (s *Store) AddToList(ns Namespace, key string, element int64, maxLen int) (bool, error) {
	var added bool
	var typeErr error
	s.space(ns).Compute(key, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		now := s.now()
		if !loaded || old.expired(now) {
			added = true
			return entry{value: []int64{element}, expiresAt: now.Add(ns.TTL())}, xsync.UpdateOp
		}
		list, ok := old.value.([]int64)
		if !ok {
			typeErr = errs.Newf(errs.TypeMismatch, "%s:%s is not a list", ns, key)
			return old, xsync.CancelOp
		}
		for _, existing := range list {
			if existing == element {
				return old, xsync.CancelOp
			}
		}
		next := make([]int64, 0, len(list)+1)
		next = append(next, element)
		next = append(next, list...)
		if maxLen > 0 && len(next) > maxLen {
			next = next[:maxLen]
		}
		added = true
		return entry{value: next, expiresAt: old.expiresAt}, xsync.UpdateOp
	})
	return added, typeErr
}

// RemoveFromList removes element from the list, deleting the entry when it
// becomes empty.
func (s *Store) RemoveFromList(ns Namespace, key string, element int64) error {
	var typeErr error
	s.space(ns).Compute(key, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		if !loaded || old.expired(s.now()) {
			return old, xsync.CancelOp
		}
		list, ok := old.value.([]int64)
		if !ok {
			typeErr = errs.Newf(errs.TypeMismatch, "%s:%s is not a list", ns, key)
			return old, xsync.CancelOp
		}
		next := make([]int64, 0, len(list))
		for _, existing := range list {
			if existing != element {
				next = append(next, existing)
			}
		}
		if len(next) == len(list) {
			return old, xsync.CancelOp
		}
		if len(next) == 0 {
			return old, xsync.DeleteOp
		}
		return entry{value: next, expiresAt: old.expiresAt}, xsync.UpdateOp
	})
	return typeErr
}

// List returns a copy of the int64 list under (ns, key).
func (s *Store) List(ns Namespace, key string) ([]int64, error) {
	v, err := s.Get(ns, key)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]int64)
	if !ok {
		return nil, errs.Newf(errs.TypeMismatch, "%s:%s is not a list", ns, key)
	}
	out := make([]int64, len(list))
	copy(out, list)
	return out, nil
}

// Incr increments the counter under (ns, key), creating it at 1 when missing,
// and returns the new value. The entry's TTL is set on creation only, so the
// counter expires together with the window it counts.
func (s *Store) Incr(ns Namespace, key string) (int64, error) {
	var value int64
	var typeErr error
	s.space(ns).Compute(key, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		now := s.now()
		if !loaded || old.expired(now) {
			value = 1
			return entry{value: int64(1), expiresAt: now.Add(ns.TTL())}, xsync.UpdateOp
		}
		current, ok := old.value.(int64)
		if !ok {
			typeErr = errs.Newf(errs.TypeMismatch, "%s:%s is not a counter", ns, key)
			return old, xsync.CancelOp
		}
		value = current + 1
		return entry{value: value, expiresAt: old.expiresAt}, xsync.UpdateOp
	})
	if typeErr != nil {
		return 0, typeErr
	}
	return value, nil
}

// Counter returns the current counter value, 0 when missing.
func (s *Store) Counter(ns Namespace, key string) (int64, error) {
	v, err := s.Get(ns, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, errs.Newf(errs.TypeMismatch, "%s:%s is not a counter", ns, key)
	}
	return n, nil
}

// AddToSet inserts member into the int64 set under (ns, key), creating the set
// when missing and refreshing the entry's TTL on every insert.
func (s *Store) AddToSet(ns Namespace, key string, member int64) error {
	var typeErr error
	s.space(ns).Compute(key, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		now := s.now()
		if !loaded || old.expired(now) {
			return entry{value: map[int64]struct{}{member: {}}, expiresAt: now.Add(ns.TTL())}, xsync.UpdateOp
		}
		set, ok := old.value.(map[int64]struct{})
		if !ok {
			typeErr = errs.Newf(errs.TypeMismatch, "%s:%s is not a set", ns, key)
			return old, xsync.CancelOp
		}
		next := make(map[int64]struct{}, len(set)+1)
		for m := range set {
			next[m] = struct{}{}
		}
		next[member] = struct{}{}
		return entry{value: next, expiresAt: now.Add(ns.TTL())}, xsync.UpdateOp
	})
	return typeErr
}

// RemoveFromSet removes member, deleting the entry when the set empties.
func (s *Store) RemoveFromSet(ns Namespace, key string, member int64) error {
	var typeErr error
	s.space(ns).Compute(key, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		if !loaded || old.expired(s.now()) {
			return old, xsync.CancelOp
		}
		set, ok := old.value.(map[int64]struct{})
		if !ok {
			typeErr = errs.Newf(errs.TypeMismatch, "%s:%s is not a set", ns, key)
			return old, xsync.CancelOp
		}
		if _, present := set[member]; !present {
			return old, xsync.CancelOp
		}
		next := make(map[int64]struct{}, len(set))
		for m := range set {
			if m != member {
				next[m] = struct{}{}
			}
		}
		if len(next) == 0 {
			return old, xsync.DeleteOp
		}
		return entry{value: next, expiresAt: old.expiresAt}, xsync.UpdateOp
	})
	return typeErr
}

// Members returns the members of the int64 set under (ns, key); an absent set
// is an empty set.
func (s *Store) Members(ns Namespace, key string) ([]int64, error) {
	v, err := s.Get(ns, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	set, ok := v.(map[int64]struct{})
	if !ok {
		return nil, errs.Newf(errs.TypeMismatch, "%s:%s is not a set", ns, key)
	}
	members := make([]int64, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// InSet reports whether member belongs to the set under (ns, key).
func (s *Store) InSet(ns Namespace, key string, member int64) (bool, error) {
	v, err := s.Get(ns, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	set, ok := v.(map[int64]struct{})
	if !ok {
		return false, errs.Newf(errs.TypeMismatch, "%s:%s is not a set", ns, key)
	}
	_, present := set[member]
	return present, nil
}

// Len reports the number of entries (live or expired) in a namespace.
func (s *Store) Len(ns Namespace) int {
	return s.space(ns).Size()
}

// Range iterates live entries of a namespace. Expired entries are skipped.
func (s *Store) Range(ns Namespace, fn func(key string, value any) bool) {
	now := s.now()
	s.space(ns).Range(func(key string, e entry) bool {
		if e.expired(now) {
			return true
		}
		return fn(key, e.value)
	})
}

// dropIfExpired removes the entry only if it is still expired, so a racing
// fresh Put is never clobbered.
func (s *Store) dropIfExpired(ns Namespace, key string) {
	s.space(ns).Compute(key, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		if loaded && old.expired(s.now()) {
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

package services

import (
	"sync"
	"time"

	"github.com/google/uuid"

	killmails "wandererkills/internal/killmails/models"
	"wandererkills/internal/subscriptions/models"
	"wandererkills/pkg/errs"
)

// Registry owns the subscription table and its two inverted indexes. All
// writes run under one lock so the table and indexes never diverge; reads,
// including the hot FindInterested path, only take the read lock.
type Registry struct {
	mu           sync.RWMutex
	subs         map[string]*models.Subscription
	bySubscriber map[string]string
	bySystem     map[int64]map[string]struct{}
	byCharacter  map[int64]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:         make(map[string]*models.Subscription),
		bySubscriber: make(map[string]string),
		bySystem:     make(map[int64]map[string]struct{}),
		byCharacter:  make(map[int64]map[string]struct{}),
	}
}

// Subscribe creates a subscription for the subscriber, replacing any previous
// one. At least one filter id is required.
func (r *Registry) Subscribe(subscriberID string, systemIDs, characterIDs []int64, callbackURL string) (*models.Subscription, error) {
	if subscriberID == "" {
		return nil, errs.New(errs.Validation, "subscriber_id is required")
	}
	systems := models.SetOf(systemIDs)
	characters := models.SetOf(characterIDs)
	if len(systems) == 0 && len(characters) == 0 {
		return nil, errs.New(errs.Validation, "at least one system or character filter is required")
	}

	sub := &models.Subscription{
		ID:           uuid.New().String(),
		SubscriberID: subscriberID,
		SystemIDs:    systems,
		CharacterIDs: characters,
		CallbackURL:  callbackURL,
		CreatedAt:    time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// One active subscription per subscriber: a re-subscribe replaces it.
	if oldID, ok := r.bySubscriber[subscriberID]; ok {
		r.removeLocked(oldID)
	}
	r.subs[sub.ID] = sub
	r.bySubscriber[subscriberID] = sub.ID
	r.indexLocked(sub)
	return sub, nil
}

// Unsubscribe removes the subscriber's subscription.
func (r *Registry) Unsubscribe(subscriberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bySubscriber[subscriberID]
	if !ok {
		return errs.Newf(errs.NotFound, "no subscription for subscriber %s", subscriberID)
	}
	r.removeLocked(id)
	return nil
}

// Update replaces the subscription's filter sets.
func (r *Registry) Update(subscriptionID string, systemIDs, characterIDs []int64) error {
	systems := models.SetOf(systemIDs)
	characters := models.SetOf(characterIDs)
	if len(systems) == 0 && len(characters) == 0 {
		return errs.New(errs.Validation, "at least one system or character filter is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subscriptionID]
	if !ok {
		return errs.Newf(errs.NotFound, "subscription %s not found", subscriptionID)
	}
	r.unindexLocked(sub)
	sub.SystemIDs = systems
	sub.CharacterIDs = characters
	r.indexLocked(sub)
	return nil
}

// Get returns the subscription by id.
func (r *Registry) Get(subscriptionID string) (*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "subscription %s not found", subscriptionID)
	}
	return sub, nil
}

// GetBySubscriber returns the subscriber's active subscription.
func (r *Registry) GetBySubscriber(subscriberID string) (*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySubscriber[subscriberID]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "no subscription for subscriber %s", subscriberID)
	}
	return r.subs[id], nil
}

// List returns all subscriptions.
func (r *Registry) List() []*models.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len reports the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// FindInterested returns the ids of every subscription whose system or
// character filters intersect the killmail.
func (r *Registry) FindInterested(km *killmails.Killmail) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make(map[string]struct{})
	for id := range r.bySystem[km.SystemID] {
		matched[id] = struct{}{}
	}
	for _, characterID := range km.CharacterIDs() {
		for id := range r.byCharacter[characterID] {
			matched[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(matched))
	for id := range matched {
		out = append(out, id)
	}
	return out
}

// MarkDelivered advances the subscription's delivery watermark, monotonic.
func (r *Registry) MarkDelivered(subscriptionID string, offset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[subscriptionID]; ok && offset > sub.LastDelivered {
		sub.LastDelivered = offset
	}
}

func (r *Registry) indexLocked(sub *models.Subscription) {
	for sys := range sub.SystemIDs {
		if r.bySystem[sys] == nil {
			r.bySystem[sys] = make(map[string]struct{})
		}
		r.bySystem[sys][sub.ID] = struct{}{}
	}
	for char := range sub.CharacterIDs {
		if r.byCharacter[char] == nil {
			r.byCharacter[char] = make(map[string]struct{})
		}
		r.byCharacter[char][sub.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(sub *models.Subscription) {
	for sys := range sub.SystemIDs {
		delete(r.bySystem[sys], sub.ID)
		if len(r.bySystem[sys]) == 0 {
			delete(r.bySystem, sys)
		}
	}
	for char := range sub.CharacterIDs {
		delete(r.byCharacter[char], sub.ID)
		if len(r.byCharacter[char]) == 0 {
			delete(r.byCharacter, char)
		}
	}
}

func (r *Registry) removeLocked(subscriptionID string) {
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return
	}
	r.unindexLocked(sub)
	delete(r.subs, subscriptionID)
	delete(r.bySubscriber, sub.SubscriberID)
}

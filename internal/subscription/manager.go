// Package subscription implements SubscriptionManager (spec §4.8, component
// C8): subscription lifecycle, both EntityIndex instances, dispatch, batch
// dispatch, and preload.
package subscription

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"wanderer-kills/internal/broadcaster"
	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/entityindex"
	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/gate"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/webhook"

	"github.com/google/uuid"
)

// Kind is a subscription's delivery channel.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
)

const (
	maxSystemIDs    = 100
	maxCharacterIDs = 1000
)

// Subscription is the persisted record (spec §3 glossary).
type Subscription struct {
	ID           string
	SubscriberID string
	SystemIDs    []int32
	CharacterIDs []int64
	CallbackURL  string
	Kind         Kind
	CreatedAt    time.Time
}

// CreateRequest is subscribe()'s input.
type CreateRequest struct {
	SubscriberID string
	SystemIDs    []int32
	CharacterIDs []int64
	CallbackURL  string
	Kind         Kind
}

// UpdateRequest diff-applies only the non-nil fields.
type UpdateRequest struct {
	SystemIDs    *[]int32
	CharacterIDs *[]int64
	CallbackURL  *string
}

// Stats aggregates manager + both index stats for the stats() operation.
type Stats struct {
	TotalSubscriptions int
	SystemIndex        entityindex.Stats
	CharacterIndex     entityindex.Stats
}

// Manager owns subscription lifecycle and both EntityIndexes.
type Manager struct {
	mu           sync.RWMutex
	subs         map[string]Subscription
	bySubscriber map[string]map[string]struct{}

	systemIndex    *entityindex.Index[int32]
	characterIndex *entityindex.Index[int64]

	store       *store.Store
	cache       cache.Cache
	broadcaster *broadcaster.Broadcaster
	webhook     *webhook.Notifier
}

func New(st *store.Store, c cache.Cache, bc *broadcaster.Broadcaster, wh *webhook.Notifier) *Manager {
	return &Manager{
		subs:           make(map[string]Subscription),
		bySubscriber:   make(map[string]map[string]struct{}),
		systemIndex:    entityindex.New[int32](),
		characterIndex: entityindex.New[int64](),
		store:          st,
		cache:          c,
		broadcaster:    bc,
		webhook:        wh,
	}
}

func dedupSortedInt32(ids []int32) []int32 {
	seen := make(map[int32]struct{}, len(ids))
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupSortedInt64(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe validates bounds, deduplicates and sorts both id lists, assigns
// a sub_<opaque> id, and writes both indexes.
func (m *Manager) Subscribe(req CreateRequest) (string, error) {
	systemIDs := dedupSortedInt32(req.SystemIDs)
	characterIDs := dedupSortedInt64(req.CharacterIDs)

	if len(systemIDs) > maxSystemIDs {
		return "", errkind.New(errkind.Validation, "system_ids exceeds maximum of 100")
	}
	if len(characterIDs) > maxCharacterIDs {
		return "", errkind.New(errkind.Validation, "character_ids exceeds maximum of 1000")
	}
	if len(systemIDs) == 0 && len(characterIDs) == 0 {
		return "", errkind.New(errkind.Validation, "at least one of system_ids or character_ids is required")
	}
	if req.SubscriberID == "" {
		return "", errkind.New(errkind.Validation, "subscriber_id is required")
	}

	kind := req.Kind
	if kind == "" {
		kind = KindHTTP
	}

	id := "sub_" + uuid.NewString()
	sub := Subscription{
		ID:           id,
		SubscriberID: req.SubscriberID,
		SystemIDs:    systemIDs,
		CharacterIDs: characterIDs,
		CallbackURL:  req.CallbackURL,
		Kind:         kind,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.subs[id] = sub
	if m.bySubscriber[req.SubscriberID] == nil {
		m.bySubscriber[req.SubscriberID] = make(map[string]struct{})
	}
	m.bySubscriber[req.SubscriberID][id] = struct{}{}
	m.mu.Unlock()

	m.systemIndex.AddSubscription(id, systemIDs)
	m.characterIndex.AddSubscription(id, characterIDs)

	return id, nil
}

// Unsubscribe removes a single subscription by id. Idempotent.
func (m *Manager) Unsubscribe(subID string) {
	m.mu.Lock()
	sub, ok := m.subs[subID]
	if ok {
		delete(m.subs, subID)
		if set := m.bySubscriber[sub.SubscriberID]; set != nil {
			delete(set, subID)
			if len(set) == 0 {
				delete(m.bySubscriber, sub.SubscriberID)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.systemIndex.RemoveSubscription(subID)
	m.characterIndex.RemoveSubscription(subID)
}

// UnsubscribeSubscriber removes every subscription owned by subscriberID
// (the shape the DELETE REST route exposes). Idempotent.
func (m *Manager) UnsubscribeSubscriber(subscriberID string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.bySubscriber[subscriberID]))
	for id := range m.bySubscriber[subscriberID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

// Update diff-applies only the provided fields.
func (m *Manager) Update(subID string, changes UpdateRequest) error {
	m.mu.Lock()
	sub, ok := m.subs[subID]
	if !ok {
		m.mu.Unlock()
		return errkind.New(errkind.NotFound, "subscription not found")
	}
	if changes.SystemIDs != nil {
		sub.SystemIDs = dedupSortedInt32(*changes.SystemIDs)
	}
	if changes.CharacterIDs != nil {
		sub.CharacterIDs = dedupSortedInt64(*changes.CharacterIDs)
	}
	if changes.CallbackURL != nil {
		sub.CallbackURL = *changes.CallbackURL
	}
	m.subs[subID] = sub
	m.mu.Unlock()

	if changes.SystemIDs != nil {
		m.systemIndex.UpdateSubscription(subID, sub.SystemIDs)
	}
	if changes.CharacterIDs != nil {
		m.characterIndex.UpdateSubscription(subID, sub.CharacterIDs)
	}
	return nil
}

func (m *Manager) List() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Get(subID string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[subID]
	return sub, ok
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	total := len(m.subs)
	m.mu.RUnlock()
	return Stats{
		TotalSubscriptions: total,
		SystemIndex:        m.systemIndex.Stats(),
		CharacterIndex:     m.characterIndex.Stats(),
	}
}

func (m *Manager) extractCharacterIDsCached(km killmail.Killmail) []int64 {
	key := strconv.FormatInt(km.KillmailID, 10)
	if v, found := m.cache.Get(context.Background(), cache.NamespaceCharacterExtraction, key); found {
		if ids, ok := v.([]int64); ok {
			return ids
		}
	}
	ids := km.ExtractCharacterIDs()
	m.cache.Put(context.Background(), cache.NamespaceCharacterExtraction, key, ids)
	return ids
}

func dedupUnion(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Dispatch runs the dispatch algorithm for one accepted killmail (spec
// §4.8): always publish to the system's Broadcaster topics, then route a
// webhook to every matched http-kind subscription with a callback URL.
func (m *Manager) Dispatch(km killmail.Killmail) {
	m.publishToBroadcaster(km)

	targets := m.matchTargets(km)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, subID := range targets {
		sub, ok := m.subs[subID]
		if !ok || sub.Kind != KindHTTP || sub.CallbackURL == "" {
			continue
		}
		m.webhook.Enqueue(webhook.Job{
			URL:      sub.CallbackURL,
			SubID:    sub.ID,
			Payload:  webhook.KillmailUpdatePayload(km.SystemID, []killmail.Killmail{km}),
			Priority: gate.PriorityBackground,
		})
	}
}

// DispatchBatch groups killmails by target subscription in one pass so a
// single multi-kill webhook POST can be sent per subscription (spec §4.8
// Batch dispatch).
func (m *Manager) DispatchBatch(kms []killmail.Killmail) {
	bySub := make(map[string][]killmail.Killmail)

	for _, km := range kms {
		m.publishToBroadcaster(km)
		for _, subID := range m.matchTargets(km) {
			bySub[subID] = append(bySub[subID], km)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for subID, batch := range bySub {
		sub, ok := m.subs[subID]
		if !ok || sub.Kind != KindHTTP || sub.CallbackURL == "" {
			continue
		}
		systemID := batch[0].SystemID
		m.webhook.Enqueue(webhook.Job{
			URL:      sub.CallbackURL,
			SubID:    sub.ID,
			Payload:  webhook.KillmailUpdatePayload(systemID, batch),
			Priority: gate.PriorityBackground,
		})
	}
}

func (m *Manager) matchTargets(km killmail.Killmail) []string {
	charIDs := m.extractCharacterIDsCached(km)
	sysSubs := m.systemIndex.FindSubscriptionsForEntity(km.SystemID)
	charSubs := m.characterIndex.FindSubscriptionsForEntities(charIDs)
	return dedupUnion(sysSubs, charSubs)
}

func (m *Manager) publishToBroadcaster(km killmail.Killmail) {
	topic := "system:" + strconv.FormatInt(int64(km.SystemID), 10)
	msg := webhook.KillmailUpdatePayload(km.SystemID, []killmail.Killmail{km})
	m.broadcaster.Publish(topic, msg)
	m.broadcaster.Publish(topic+":detailed", msg)
	m.broadcaster.Publish("all_systems", msg)
}

// Preload asynchronously delivers up to maxPerSystem recent killmails
// (within lookback) for each of sub's systems to its webhook endpoint, as
// if freshly ingested. Only kind=http subscriptions with a callback URL are
// served; for any other subscription Preload returns nil without sending
// anything.
func (m *Manager) Preload(ctx context.Context, subID string, lookback time.Duration, maxPerSystem int) error {
	sub, ok := m.Get(subID)
	if !ok {
		return errkind.New(errkind.NotFound, "subscription not found")
	}
	if sub.Kind != KindHTTP || sub.CallbackURL == "" {
		return nil
	}

	cutoff := time.Now().Add(-lookback)
	for _, systemID := range sub.SystemIDs {
		all := m.store.ListBySystem(systemID)
		var recent []killmail.Killmail
		for _, km := range all {
			if km.KillTime.Before(cutoff) {
				continue
			}
			recent = append(recent, km)
			if len(recent) >= maxPerSystem {
				break
			}
		}
		if len(recent) == 0 {
			continue
		}
		m.webhook.Enqueue(webhook.Job{
			URL:      sub.CallbackURL,
			SubID:    sub.ID,
			Payload:  webhook.KillmailUpdatePayload(systemID, recent),
			Priority: gate.PriorityPreload,
		})
	}
	return nil
}

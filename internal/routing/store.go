package routing

import (
	"context"
	"sync"
)

// DestinationStore loads routing targets. Every lookup is scoped to the
// organization; a record owned by another organization is ErrDestinationNotFound.
type DestinationStore interface {
	Extension(ctx context.Context, organizationID, id string) (Extension, error)
	RingGroup(ctx context.Context, organizationID, id string) (RingGroup, error)
	IVRMenu(ctx context.Context, organizationID, id string) (IVRMenu, error)
	ConferenceRoom(ctx context.Context, organizationID, id string) (ConferenceRoom, error)
	VoicemailBox(ctx context.Context, organizationID, id string) (VoicemailBox, error)
}

// MemoryStore is an in-process DestinationStore for tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	extensions  map[string]Extension
	ringGroups  map[string]RingGroup
	menus       map[string]IVRMenu
	conferences map[string]ConferenceRoom
	voicemail   map[string]VoicemailBox
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		extensions:  map[string]Extension{},
		ringGroups:  map[string]RingGroup{},
		menus:       map[string]IVRMenu{},
		conferences: map[string]ConferenceRoom{},
		voicemail:   map[string]VoicemailBox{},
	}
}

func (s *MemoryStore) PutExtension(e Extension) {
	s.mu.Lock()
	s.extensions[e.ID] = e
	s.mu.Unlock()
}

func (s *MemoryStore) PutRingGroup(g RingGroup) {
	s.mu.Lock()
	s.ringGroups[g.ID] = g
	s.mu.Unlock()
}

func (s *MemoryStore) PutIVRMenu(m IVRMenu) {
	s.mu.Lock()
	s.menus[m.ID] = m
	s.mu.Unlock()
}

func (s *MemoryStore) PutConferenceRoom(c ConferenceRoom) {
	s.mu.Lock()
	s.conferences[c.ID] = c
	s.mu.Unlock()
}

func (s *MemoryStore) PutVoicemailBox(v VoicemailBox) {
	s.mu.Lock()
	s.voicemail[v.ID] = v
	s.mu.Unlock()
}

func lookup[T any](mu *sync.RWMutex, m map[string]T, id, organizationID string, org func(T) string) (T, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := m[id]
	if !ok || org(v) != organizationID {
		var zero T
		return zero, ErrDestinationNotFound
	}
	return v, nil
}

func (s *MemoryStore) Extension(_ context.Context, organizationID, id string) (Extension, error) {
	return lookup(&s.mu, s.extensions, id, organizationID, func(e Extension) string { return e.OrganizationID })
}

func (s *MemoryStore) RingGroup(_ context.Context, organizationID, id string) (RingGroup, error) {
	return lookup(&s.mu, s.ringGroups, id, organizationID, func(g RingGroup) string { return g.OrganizationID })
}

func (s *MemoryStore) IVRMenu(_ context.Context, organizationID, id string) (IVRMenu, error) {
	return lookup(&s.mu, s.menus, id, organizationID, func(m IVRMenu) string { return m.OrganizationID })
}

func (s *MemoryStore) ConferenceRoom(_ context.Context, organizationID, id string) (ConferenceRoom, error) {
	return lookup(&s.mu, s.conferences, id, organizationID, func(c ConferenceRoom) string { return c.OrganizationID })
}

func (s *MemoryStore) VoicemailBox(_ context.Context, organizationID, id string) (VoicemailBox, error) {
	return lookup(&s.mu, s.voicemail, id, organizationID, func(v VoicemailBox) string { return v.OrganizationID })
}

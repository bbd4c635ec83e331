package core

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrUnknownMessage = errors.New("unknown_message")
	ErrIDConflict     = errors.New("external_id_conflict")
)

// Store holds the messages of one conversation view, indexed by both
// local id and provider id. Lookups prefer the provider id.
type Store struct {
	mu         sync.RWMutex
	byLocal    map[string]*Message
	byExternal map[string]string // external id -> local id
	order      []string          // local ids in arrival order
}

func NewStore() *Store {
	return &Store{
		byLocal:    make(map[string]*Message),
		byExternal: make(map[string]string),
	}
}

// Track inserts m unless a message with the same provider or local id is
// already known, in which case the existing copy is returned and created
// is false. When the existing message lacks the provider id carried by m,
// the id is bound.
func (s *Store) Track(m Message) (msg Message, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findLocked(m.Ref()); existing != nil {
		if existing.ExternalID == nil && m.ExternalID != nil {
			_ = s.bindLocked(existing, *m.ExternalID)
		}
		return *existing, false
	}

	cp := m
	s.byLocal[cp.LocalID] = &cp
	s.order = append(s.order, cp.LocalID)
	if cp.ExternalID != nil {
		s.byExternal[*cp.ExternalID] = cp.LocalID
	}
	return cp, true
}

// Resolve looks an identifier up as a provider id first, then as a local id.
func (s *Store) Resolve(id string) (Message, bool) {
	return s.Lookup(MessageRef{LocalID: id, ExternalID: id})
}

func (s *Store) Lookup(ref MessageRef) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.findLocked(ref)
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

// Update applies fn to the message addressed by ref. fn mutates the copy it
// is handed and reports whether the change should be kept. When ref carries
// a provider id the message does not have yet, it is bound first.
func (s *Store) Update(ref MessageRef, fn func(m *Message) bool) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findLocked(ref)
	if m == nil {
		return Message{}, false, ErrUnknownMessage
	}
	if ref.ExternalID != "" && m.ExternalID == nil {
		if err := s.bindLocked(m, ref.ExternalID); err != nil {
			return *m, false, err
		}
	}

	cp := *m
	if !fn(&cp) {
		return *m, false, nil
	}
	*m = cp
	return cp, true, nil
}

// BindExternal attaches a provider id to a message known by local id.
func (s *Store) BindExternal(localID, externalID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byLocal[localID]
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	if err := s.bindLocked(m, externalID); err != nil {
		return *m, err
	}
	return *m, nil
}

// List returns the messages sorted by timestamp, ties in arrival order.
func (s *Store) List() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byLocal[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byLocal)
}

func (s *Store) findLocked(ref MessageRef) *Message {
	if ref.ExternalID != "" {
		if local, ok := s.byExternal[ref.ExternalID]; ok {
			return s.byLocal[local]
		}
	}
	if ref.LocalID != "" {
		if m, ok := s.byLocal[ref.LocalID]; ok {
			return m
		}
	}
	return nil
}

func (s *Store) bindLocked(m *Message, externalID string) error {
	if m.ExternalID != nil {
		if *m.ExternalID == externalID {
			return nil
		}
		return ErrIDConflict
	}
	if other, ok := s.byExternal[externalID]; ok && other != m.LocalID {
		return ErrIDConflict
	}
	id := externalID
	m.ExternalID = &id
	s.byExternal[externalID] = m.LocalID
	return nil
}

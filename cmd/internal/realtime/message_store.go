package realtime

import (
	"cmp"
	"slices"
	"sort"
	"time"
)

// InsertOutcome reports the result of MessageStore.ApplyInsert.
type InsertOutcome uint8

const (
	InsertApplied InsertOutcome = iota
	InsertDuplicate
)

func (o InsertOutcome) String() string {
	if o == InsertDuplicate {
		return "duplicate"
	}
	return "applied"
}

// UpdateOutcome reports the result of MessageStore.ApplyUpdate.
type UpdateOutcome uint8

const (
	UpdateApplied UpdateOutcome = iota
	UpdateNotFound
)

func (o UpdateOutcome) String() string {
	if o == UpdateNotFound {
		return "not_found"
	}
	return "applied"
}

// DeleteOutcome reports the result of MessageStore.ApplyDelete.
type DeleteOutcome uint8

const (
	DeleteApplied DeleteOutcome = iota
	DeleteNotFound
)

func (o DeleteOutcome) String() string {
	if o == DeleteNotFound {
		return "not_found"
	}
	return "applied"
}

// MessageStore is the ordered, deduplicated message list of the active conversation.
//
// Invariants:
//   - no two entries share an ID
//   - entries are ordered by CreatedAt ASC, ties broken by ID ASC
//
// MessageStore is not safe for concurrent use; its owning Session serializes access.
type MessageStore struct {
	msgs []Message
	keys map[string]time.Time // id -> CreatedAt, locates an entry by binary search
}

// NewMessageStore constructs an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{keys: make(map[string]time.Time)}
}

// Initialize replaces the contents with snapshot.
// Duplicated IDs inside the snapshot keep their first occurrence.
func (s *MessageStore) Initialize(snapshot []Message) {
	s.msgs = make([]Message, 0, len(snapshot))
	s.keys = make(map[string]time.Time, len(snapshot))
	for _, m := range snapshot {
		if _, ok := s.keys[m.ID]; ok {
			continue
		}
		s.keys[m.ID] = m.CreatedAt
		s.msgs = append(s.msgs, m)
	}
	slices.SortStableFunc(s.msgs, compareMessages)
}

// ApplyInsert adds m at its ordered position unless its ID is already present.
// Duplicates are no-ops: the first insert's data is kept.
func (s *MessageStore) ApplyInsert(m Message) InsertOutcome {
	if _, ok := s.keys[m.ID]; ok {
		return InsertDuplicate
	}
	i := s.search(m.CreatedAt, m.ID)
	s.msgs = slices.Insert(s.msgs, i, m)
	s.keys[m.ID] = m.CreatedAt
	return InsertApplied
}

// ApplyUpdate merges the present fields of p into the entry with the same ID.
// Fields absent from p, notably Author, are preserved. Unknown IDs are dropped.
func (s *MessageStore) ApplyUpdate(p Patch) UpdateOutcome {
	i, ok := s.index(p.ID)
	if !ok {
		return UpdateNotFound
	}
	merged := p.apply(s.msgs[i])
	if merged.CreatedAt.Equal(s.msgs[i].CreatedAt) {
		s.msgs[i] = merged
		return UpdateApplied
	}

	// CreatedAt moved: reposition.
	s.msgs = slices.Delete(s.msgs, i, i+1)
	j := s.search(merged.CreatedAt, merged.ID)
	s.msgs = slices.Insert(s.msgs, j, merged)
	s.keys[merged.ID] = merged.CreatedAt
	return UpdateApplied
}

// ApplyDelete removes the entry with the given ID.
func (s *MessageStore) ApplyDelete(id string) DeleteOutcome {
	i, ok := s.index(id)
	if !ok {
		return DeleteNotFound
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	delete(s.keys, id)
	return DeleteApplied
}

// View returns a copy of the ordered contents.
func (s *MessageStore) View() []Message {
	return slices.Clone(s.msgs)
}

// Get returns the entry with the given ID.
func (s *MessageStore) Get(id string) (Message, bool) {
	i, ok := s.index(id)
	if !ok {
		return Message{}, false
	}
	return s.msgs[i], true
}

// Len returns the number of entries.
func (s *MessageStore) Len() int { return len(s.msgs) }

func (s *MessageStore) index(id string) (int, bool) {
	created, ok := s.keys[id]
	if !ok {
		return 0, false
	}
	i := s.search(created, id)
	if i >= len(s.msgs) || s.msgs[i].ID != id {
		return 0, false
	}
	return i, true
}

// search returns the first position whose key is >= (created, id).
func (s *MessageStore) search(created time.Time, id string) int {
	return sort.Search(len(s.msgs), func(i int) bool {
		m := s.msgs[i]
		if c := m.CreatedAt.Compare(created); c != 0 {
			return c > 0
		}
		return m.ID >= id
	})
}

func compareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

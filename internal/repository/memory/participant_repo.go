package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
)

type roomKey struct {
	room string
	id   string
}

type ParticipantRepository struct {
	mu           sync.RWMutex
	participants map[roomKey]domain.Participant
}

func NewParticipantRepository() *ParticipantRepository {
	return &ParticipantRepository{
		participants: make(map[roomKey]domain.Participant),
	}
}

var _ domain.ParticipantRepository = (*ParticipantRepository)(nil)

func (r *ParticipantRepository) Save(p domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[roomKey{p.Room, p.ID}] = p
	return nil
}

func (r *ParticipantRepository) Get(room, id string) (domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[roomKey{room, id}]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

// ListRoom returns the participants of room ordered by ID.
func (r *ParticipantRepository) ListRoom(room string) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Participant, 0, domain.MaxRoomSize)
	for k, p := range r.participants {
		if k.room == room {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *ParticipantRepository) Rooms() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range r.participants {
		seen[k.room] = struct{}{}
	}
	rooms := make([]string, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (r *ParticipantRepository) Delete(room, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, roomKey{room, id})
	return nil
}

// DeleteStale removes every participant not seen within timeout and returns them.
func (r *ParticipantRepository) DeleteStale(now time.Time, timeout time.Duration) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []domain.Participant
	for k, p := range r.participants {
		if p.IsStale(now, timeout) {
			removed = append(removed, p)
			delete(r.participants, k)
		}
	}
	return removed, nil
}

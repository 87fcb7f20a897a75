package service

import (
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
)

// PresenceService tracks who is in which room. Joins are admitted against the
// room capacity; a join with an ID already present replaces that session.
type PresenceService struct {
	mu         sync.Mutex
	repo       domain.ParticipantRepository
	capacity   int
	staleAfter time.Duration
	now        func() time.Time
}

type PresenceOption func(*PresenceService)

func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(s *PresenceService) { s.now = now }
}

func WithRoomCapacity(n int) PresenceOption {
	return func(s *PresenceService) { s.capacity = n }
}

func NewPresenceService(repo domain.ParticipantRepository, staleAfter time.Duration, opts ...PresenceOption) *PresenceService {
	if staleAfter <= 0 {
		staleAfter = domain.DefaultStaleAfter
	}
	s := &PresenceService{
		repo:       repo,
		capacity:   domain.MaxRoomSize,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PresenceService) StaleAfter() time.Duration { return s.staleAfter }

// Join admits p into room. When p.ID already has a session there, the previous
// participant is returned with replaced set.
func (s *PresenceService) Join(room string, p domain.Participant) (prev domain.Participant, replaced bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err = s.repo.Get(room, p.ID)
	switch err {
	case nil:
		replaced = true
	case domain.ErrParticipantNotFound:
		members, err := s.repo.ListRoom(room)
		if err != nil {
			return prev, false, err
		}
		if len(members) >= s.capacity {
			return prev, false, domain.ErrRoomFull
		}
	default:
		return prev, false, err
	}

	p.Room = room
	p.LastSeen = s.now()
	if err := s.repo.Save(p); err != nil {
		return prev, false, err
	}
	if replaced {
		metrics.SessionTakeoversTotal.Inc()
	}
	s.updateGaugeLocked(room)
	return prev, replaced, nil
}

// Heartbeat refreshes LastSeen of the given session.
func (s *PresenceService) Heartbeat(room, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.Get(room, id)
	if err != nil {
		return err
	}
	if p.SessionID != sessionID {
		return domain.ErrParticipantNotFound
	}
	p.LastSeen = s.now()
	return s.repo.Save(p)
}

// Leave removes the participant only while sessionID is still its current
// session, so a replaced socket closing late does not evict its successor.
func (s *PresenceService) Leave(room, id, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.Get(room, id)
	if err == domain.ErrParticipantNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.SessionID != sessionID {
		return false, nil
	}
	if err := s.repo.Delete(room, id); err != nil {
		return false, err
	}
	s.updateGaugeLocked(room)
	return true, nil
}

// Current reports whether sessionID is the live session of id in room.
func (s *PresenceService) Current(room, id, sessionID string) bool {
	p, err := s.repo.Get(room, id)
	return err == nil && p.SessionID == sessionID
}

func (s *PresenceService) Lookup(room, id string) (domain.Participant, error) {
	return s.repo.Get(room, id)
}

func (s *PresenceService) Roster(room string) ([]domain.Participant, error) {
	return s.repo.ListRoom(room)
}

func (s *PresenceService) Rooms() ([]string, error) {
	return s.repo.Rooms()
}

// CleanupStale drops participants whose heartbeats stopped and returns them.
func (s *PresenceService) CleanupStale() ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.repo.DeleteStale(s.now(), s.staleAfter)
	if err != nil {
		return nil, err
	}
	rooms := make(map[string]struct{})
	for _, p := range removed {
		rooms[p.Room] = struct{}{}
	}
	for room := range rooms {
		s.updateGaugeLocked(room)
	}
	metrics.StaleParticipantsRemovedTotal.Add(float64(len(removed)))
	return removed, nil
}

func (s *PresenceService) Status() ([]api.RoomStatus, error) {
	rooms, err := s.repo.Rooms()
	if err != nil {
		return nil, err
	}
	now := s.now()
	result := make([]api.RoomStatus, 0, len(rooms))
	for _, room := range rooms {
		members, err := s.repo.ListRoom(room)
		if err != nil {
			return nil, err
		}
		result = append(result, api.ToRoomStatus(room, members, now, s.staleAfter))
	}
	return result, nil
}

func (s *PresenceService) updateGaugeLocked(room string) {
	members, err := s.repo.ListRoom(room)
	if err != nil {
		return
	}
	if len(members) == 0 {
		metrics.RoomParticipants.DeleteLabelValues(room)
		return
	}
	metrics.RoomParticipants.WithLabelValues(room).Set(float64(len(members)))
}

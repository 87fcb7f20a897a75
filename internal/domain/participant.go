package domain

import (
	"errors"
	"time"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRoomFull            = errors.New("room is full")
)

// DefaultStaleAfter is how long a participant may go without a heartbeat before
// it is treated as offline.
const DefaultStaleAfter = 15 * time.Second

// MaxRoomSize is the number of participants a room accepts.
const MaxRoomSize = 4

// Participant is a room occupant as reported by presence. SessionID changes every
// time the same participant rejoins, so a reloaded client can be told apart from
// its previous incarnation.
type Participant struct {
	ID        string    `json:"id" msgpack:"id"`
	Username  string    `json:"username" msgpack:"username"`
	SessionID string    `json:"sessionId" msgpack:"sessionId"`
	Room      string    `json:"room" msgpack:"room"`
	LastSeen  time.Time `json:"lastSeen" msgpack:"lastSeen"`
}

func (p Participant) IsStale(now time.Time, threshold time.Duration) bool {
	if p.LastSeen.IsZero() {
		return true
	}
	return now.Sub(p.LastSeen) > threshold
}

type ParticipantRepository interface {
	Save(p Participant) error
	Get(room, id string) (Participant, error)
	ListRoom(room string) ([]Participant, error)
	Rooms() ([]string, error)
	Delete(room, id string) error
	DeleteStale(now time.Time, timeout time.Duration) ([]Participant, error)
}

package api

import (
	"sort"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
)

func ToParticipantStatus(p domain.Participant, now time.Time, staleAfter time.Duration) ParticipantStatus {
	var lastSeen *time.Time
	if !p.LastSeen.IsZero() {
		t := p.LastSeen
		lastSeen = &t
	}
	return ParticipantStatus{
		ID:        p.ID,
		Username:  p.Username,
		SessionID: p.SessionID,
		LastSeen:  lastSeen,
		Online:    !p.IsStale(now, staleAfter),
	}
}

func ToRoomStatus(room string, participants []domain.Participant, now time.Time, staleAfter time.Duration) RoomStatus {
	sorted := make([]domain.Participant, len(participants))
	copy(sorted, participants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	status := RoomStatus{Room: room, Participants: make([]ParticipantStatus, len(sorted))}
	for i, p := range sorted {
		status.Participants[i] = ToParticipantStatus(p, now, staleAfter)
	}
	return status
}

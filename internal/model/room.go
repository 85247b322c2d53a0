package model

import (
	"sort"
	"time"
)

// Room is a named multicast scope. Presence and transfers are confined to
// members of the same room.
type Room struct {
	ID        string
	Name      string
	Created   time.Time
	CreatedBy string
	Members   map[string]struct{}
}

// NewRoom creates a room owned by byID, with byID as its only member.
func NewRoom(id, name, byID string) *Room {
	return &Room{
		ID:        id,
		Name:      name,
		Created:   time.Now(),
		CreatedBy: byID,
		Members:   map[string]struct{}{byID: {}},
	}
}

// MemberIDs returns a snapshot slice of member device ids. The order is not
// significant; callers that need a stable order should sort it.
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for id := range r.Members {
		ids = append(ids, id)
	}
	return ids
}

// RoomSnapshot is the persisted projection of a Room (members as a sorted array
// instead of a set, per spec §6 "members as arrays").
type RoomSnapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Created   time.Time `json:"created"`
	CreatedBy string    `json:"createdBy"`
	Members   []string  `json:"members"`
}

func (r *Room) ToSnapshot() RoomSnapshot {
	members := r.MemberIDs()
	sort.Strings(members)
	return RoomSnapshot{
		ID:        r.ID,
		Name:      r.Name,
		Created:   r.Created,
		CreatedBy: r.CreatedBy,
		Members:   members,
	}
}

func RoomFromSnapshot(s RoomSnapshot) *Room {
	members := make(map[string]struct{}, len(s.Members))
	for _, id := range s.Members {
		members[id] = struct{}{}
	}
	return &Room{
		ID:        s.ID,
		Name:      s.Name,
		Created:   s.Created,
		CreatedBy: s.CreatedBy,
		Members:   members,
	}
}

package presence

import (
	"boltalka/internal/models"
)

// Roster folds a full user_list snapshot with subsequent incremental
// join/leave events into a single deduplicated participant list, preserving
// insertion order. It performs no locking of its own: the session controller
// serializes all access.
//
// Participants without a user id are keyed by display name, so two
// concurrently connected anonymous users sharing a name collide under both
// reconciliation and leave-removal. Whether anonymous sessions should get
// server-assigned ephemeral ids is an open product question; the client does
// not invent one.
type Roster struct {
	participants []models.Participant
}

func NewRoster() *Roster {
	return &Roster{}
}

// ApplySnapshot replaces the entire participant set with the incoming list,
// deduplicated by key with the last occurrence winning.
func (r *Roster) ApplySnapshot(users []models.Participant) {
	seen := make(map[string]int, len(users))
	deduped := make([]models.Participant, 0, len(users))
	for _, u := range users {
		if i, ok := seen[u.Key()]; ok {
			deduped[i] = u
			continue
		}
		seen[u.Key()] = len(deduped)
		deduped = append(deduped, u)
	}
	r.participants = deduped
}

// ApplyJoin removes any existing participant with the joiner's key, then
// appends the joiner. A participant who reconnects with a changed color or
// name under the same identity is thereby replaced rather than duplicated.
func (r *Roster) ApplyJoin(p models.Participant) {
	kept := r.participants[:0]
	for _, existing := range r.participants {
		if p.UserID != "" && existing.UserID != "" {
			if existing.UserID == p.UserID {
				continue
			}
		} else if existing.DisplayName == p.DisplayName {
			continue
		}
		kept = append(kept, existing)
	}
	r.participants = append(kept, p)
}

// ApplyLeave removes all participants with the given display name. Leave
// events carry only a name, so same-named anonymous users are all removed.
func (r *Roster) ApplyLeave(displayName string) {
	kept := r.participants[:0]
	for _, existing := range r.participants {
		if existing.DisplayName == displayName {
			continue
		}
		kept = append(kept, existing)
	}
	r.participants = kept
}

// Clear empties the roster, as happens on room switch while awaiting the
// next snapshot.
func (r *Roster) Clear() {
	r.participants = nil
}

// Len returns the current participant count.
func (r *Roster) Len() int {
	return len(r.participants)
}

// Participants returns a copy of the roster in insertion order.
func (r *Roster) Participants() []models.Participant {
	out := make([]models.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

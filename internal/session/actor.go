package session

import (
	"strings"

	"quire/api/internal/util"
)

// Actor ids belong to exactly one user. An id is either the user id itself
// or "<userID>:<suffix>"; everything before the last colon names the owner.
const actorSep = ":"

// NewActorID returns a fresh actor id owned by userID.
func NewActorID(userID string) string {
	return userID + actorSep + util.NewID("act")
}

// ActorOwner returns the user id that owns actorID.
func ActorOwner(actorID string) string {
	i := strings.LastIndex(actorID, actorSep)
	if i < 0 {
		return actorID
	}
	if i == 0 || i == len(actorID)-1 {
		return ""
	}
	return actorID[:i]
}

func (id Identity) owns(actorID string) bool {
	return id.UserID != "" && ActorOwner(actorID) == id.UserID
}

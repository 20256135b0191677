package messaging

import (
	"github.com/google/uuid"
)

const (
	localDirectPrefix  = "local-conv-"
	localGroupPrefix   = "local-group-"
	localMessagePrefix = "local-msg-"
)

// IsLocalID reports whether id was synthesized in local mode rather than issued by the
// store. Store ids are UUIDs.
func IsLocalID(id string) bool {
	_, err := uuid.Parse(id)
	return err != nil
}

// LocalDirectID is deterministic for a user pair regardless of argument order.
func LocalDirectID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return localDirectPrefix + userA + "-" + userB
}

func localGroupID() string   { return localGroupPrefix + uuid.NewString() }
func localMessageID() string { return localMessagePrefix + uuid.NewString() }

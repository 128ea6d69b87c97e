package rolesync

import (
	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/tier"
)

// Kind classifies a tier change.
type Kind string

const (
	AssignedNoPrior Kind = "assigned-no-prior"
	Promoted        Kind = "promoted"
	Demoted         Kind = "demoted"
	Restricted      Kind = "restricted"
	Unrestricted    Kind = "unrestricted"
	WentInactive    Kind = "went-inactive"
)

// Event is a tier change applied to one member.
type Event struct {
	Kind     Kind
	MemberID string
	OsuID    int64
	From     tier.Tier
	To       tier.Tier
	// Profile is nil when the account could not be looked up (Restricted).
	Profile *osu.User
}

// Classify compares the tier derived from a member's roles with the newly
// computed one. ok is false when no role change is needed.
func Classify(current, next tier.Tier) (kind Kind, ok bool) {
	switch {
	case next == current:
		return "", false
	case next == tier.Restricted:
		return Restricted, true
	case next == tier.Inactive:
		return WentInactive, true
	case current == tier.None:
		return AssignedNoPrior, true
	case current == tier.Restricted:
		return Unrestricted, true
	case next.Better(current):
		return Promoted, true
	default:
		return Demoted, true
	}
}

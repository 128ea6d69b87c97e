// Package tier maps country leaderboard positions to the rank-tier roles
// handed out in the guild.
package tier

import (
	"fmt"
	"math"
)

// Tier is a rank bracket. The zero value means "no tier role".
type Tier int

const (
	None Tier = iota
	T1
	T2
	T3
	T4
	T5
	T6
	T7
	T8
	T9
	T10

	// Restricted and Inactive are account-state overrides, not rank brackets.
	Restricted
	Inactive
)

// NotFoundRank is used for accounts missing from the country snapshot.
const NotFoundRank = math.MaxInt32

// threshold is the inclusive upper bound of a tier.
type threshold struct {
	maxRank int
	tier    Tier
}

var thresholds = [...]threshold{
	{1, T1},
	{5, T2},
	{10, T3},
	{25, T4},
	{50, T5},
	{100, T6},
	{250, T7},
	{500, T8},
	{1000, T9},
}

var labels = [...]string{
	None:       "none",
	T1:         "LV1",
	T2:         "LV5",
	T3:         "LV10",
	T4:         "LV25",
	T5:         "LV50",
	T6:         "LV100",
	T7:         "LV250",
	T8:         "LV500",
	T9:         "LV1000",
	T10:        "LVinf",
	Restricted: "restricted",
	Inactive:   "inactive",
}

// newBestLimits is how deep into a player's top plays a new score may land
// and still be announced.
var newBestLimits = [...]int{
	T1:  100,
	T2:  80,
	T3:  60,
	T4:  50,
	T5:  30,
	T6:  20,
	T7:  15,
	T8:  10,
	T9:  5,
	T10: 1,
}

// ForRank returns the tier for a 1-based country rank. Non-positive ranks are
// treated as not found.
func ForRank(rank int) Tier {
	if rank <= 0 {
		return T10
	}
	for _, th := range thresholds {
		if rank <= th.maxRank {
			return th.tier
		}
	}
	return T10
}

// All returns every tier that is bound to a role, in order.
func All() []Tier {
	return []Tier{T1, T2, T3, T4, T5, T6, T7, T8, T9, T10, Restricted, Inactive}
}

// Label returns the role label, e.g. "LV25".
func (t Tier) Label() string {
	if t < None || int(t) >= len(labels) {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return labels[t]
}

func (t Tier) String() string {
	return t.Label()
}

// Ranked reports whether t is one of the leaderboard brackets T1..T10.
func (t Tier) Ranked() bool {
	return t >= T1 && t <= T10
}

// Valid reports whether t can be bound to a role.
func (t Tier) Valid() bool {
	return t >= T1 && t <= Inactive
}

// Better reports whether t is a higher bracket than other. Inactive orders
// after T10; Restricted and None never compare better or worse.
func (t Tier) Better(other Tier) bool {
	a, aok := t.order()
	b, bok := other.order()
	return aok && bok && a < b
}

func (t Tier) order() (int, bool) {
	switch {
	case t.Ranked():
		return int(t), true
	case t == Inactive:
		return int(T10) + 1, true
	default:
		return 0, false
	}
}

// ParseLabel is the inverse of Label.
func ParseLabel(s string) (Tier, error) {
	for i, l := range labels {
		if Tier(i) != None && l == s {
			return Tier(i), nil
		}
	}
	return None, fmt.Errorf("unknown tier label: %q", s)
}

// NewBestLimit returns how many of a player's top plays are scanned for new
// scores. Tiers without a limit return 0.
func NewBestLimit(t Tier) int {
	if !t.Ranked() {
		return 0
	}
	return newBestLimits[t]
}

// GlobalTopEligible reports whether members of t are scanned for global
// leaderboard placements. Players outside the top 1000 are not.
func GlobalTopEligible(t Tier) bool {
	return t >= T1 && t <= T9
}

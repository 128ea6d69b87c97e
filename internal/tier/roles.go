package tier

import "fmt"

// RoleMap binds every tier to exactly one Discord role id.
type RoleMap struct {
	byTier map[Tier]string
	byRole map[string]Tier
}

// NewRoleMap validates that every tier has a distinct role id.
func NewRoleMap(roles map[Tier]string) (*RoleMap, error) {
	m := &RoleMap{
		byTier: make(map[Tier]string, len(roles)),
		byRole: make(map[string]Tier, len(roles)),
	}
	for _, t := range All() {
		id, ok := roles[t]
		if !ok || id == "" {
			return nil, fmt.Errorf("no role configured for tier %s", t)
		}
		if other, dup := m.byRole[id]; dup {
			return nil, fmt.Errorf("role %s bound to both %s and %s", id, other, t)
		}
		m.byTier[t] = id
		m.byRole[id] = t
	}
	return m, nil
}

// RoleID returns the role bound to t.
func (m *RoleMap) RoleID(t Tier) (string, bool) {
	id, ok := m.byTier[t]
	return id, ok
}

// TierOf returns the tier a role id stands for, or None.
func (m *RoleMap) TierOf(roleID string) Tier {
	return m.byRole[roleID]
}

// CurrentTier derives a member's tier from their roles. The first tier role
// found wins; found lists every tier role so callers can flag duplicates.
func (m *RoleMap) CurrentTier(roleIDs []string) (current Tier, found []Tier) {
	for _, id := range roleIDs {
		if t, ok := m.byRole[id]; ok {
			found = append(found, t)
		}
	}
	if len(found) == 0 {
		return None, nil
	}
	return found[0], found
}

package storage

import "time"

// Player links a Discord member to an osu! account
type Player struct {
	DiscordID   string
	OsuID       *int64     // nil until the member is linked
	LastChecked *time.Time // last personal-best scan
}

// Linked reports whether the member has an osu! account
func (p *Player) Linked() bool {
	return p.OsuID != nil
}

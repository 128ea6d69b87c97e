package osu

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// LookupKind selects how FetchUser interprets its argument.
type LookupKind string

const (
	LookupID       LookupKind = "id"
	LookupUsername LookupKind = "username"
)

// User is the subset of the user payload the bot uses.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	CountryCode string `json:"country_code"`
	AvatarURL   string `json:"avatar_url"`
	Country     struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"country"`
	Statistics Statistics `json:"statistics"`
}

// Statistics are the per-mode statistics of a user.
type Statistics struct {
	PP          float64 `json:"pp"`
	GlobalRank  *int    `json:"global_rank"`
	CountryRank *int    `json:"country_rank"`
	HitAccuracy float64 `json:"hit_accuracy"`
	PlayCount   int     `json:"play_count"`
	IsRanked    bool    `json:"is_ranked"`
}

// CountryOf returns the user's country code.
func (u *User) CountryOf() string {
	if u.CountryCode != "" {
		return u.CountryCode
	}
	return u.Country.Code
}

// ProfileURL returns the public profile link.
func (u *User) ProfileURL() string {
	return fmt.Sprintf("https://osu.ppy.sh/users/%d", u.ID)
}

// FetchUser looks up a user by id or username in the client's mode. A
// missing account yields ErrNotFound.
func (c *Client) FetchUser(ctx context.Context, idOrName string, kind LookupKind) (*User, error) {
	if idOrName == "" {
		return nil, fmt.Errorf("empty user lookup")
	}
	if kind == "" {
		kind = LookupID
	}

	path := fmt.Sprintf("/users/%s/%s", url.PathEscape(idOrName), url.PathEscape(c.mode))
	query := url.Values{"key": {string(kind)}}

	var user User
	if err := c.get(ctx, "users", path, query, &user); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user %s: %w", idOrName, err)
	}
	if user.ID == 0 {
		return nil, ErrNotFound
	}

	return &user, nil
}

// FetchUserByID is FetchUser with an id lookup.
func (c *Client) FetchUserByID(ctx context.Context, id int64) (*User, error) {
	return c.FetchUser(ctx, strconv.FormatInt(id, 10), LookupID)
}

// ReferenceAlive looks up the stable reference account. false with a nil
// error means the API answers "not found" even for an account that always
// exists, so not-found results cannot be trusted.
func (c *Client) ReferenceAlive(ctx context.Context) (bool, error) {
	_, err := c.FetchUserByID(ctx, c.reference)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

package rolesync

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/storage"
	"github.com/flor3z/osu-rank-bot/internal/tier"
)

// Fakes

type fakeSource struct {
	mu sync.Mutex

	ranking    *osu.Ranking
	rankingErr error
	users      map[int64]*osu.User
	userErrs   map[int64]error
	reference  bool

	rankingCalls   int
	userCalls      map[int64]int
	referenceCalls int
}

func newFakeSource(entries ...osu.RankEntry) *fakeSource {
	return &fakeSource{
		ranking:   &osu.Ranking{Mode: "osu", Country: "LV", Entries: entries},
		users:     make(map[int64]*osu.User),
		userErrs:  make(map[int64]error),
		userCalls: make(map[int64]int),
		reference: true,
	}
}

func (f *fakeSource) FetchRanking(ctx context.Context, mode, country string) (*osu.Ranking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rankingCalls++
	if f.rankingErr != nil {
		return nil, f.rankingErr
	}
	return f.ranking, nil
}

func (f *fakeSource) FetchUser(ctx context.Context, idOrName string, kind osu.LookupKind) (*osu.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := strconv.ParseInt(idOrName, 10, 64)
	if err != nil || kind != osu.LookupID {
		return nil, errors.New("fake source only supports id lookups")
	}
	f.userCalls[id]++
	if err := f.userErrs[id]; err != nil {
		return nil, err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, osu.ErrNotFound
	}
	return u, nil
}

func (f *fakeSource) ReferenceAlive(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.referenceCalls++
	return f.reference, nil
}

func (f *fakeSource) totalUserCalls() int {
	n := 0
	for _, c := range f.userCalls {
		n += c
	}
	return n
}

type fakeStore struct {
	players []*storage.Player
}

func (f *fakeStore) ListLinked(ctx context.Context) ([]*storage.Player, error) {
	var linked []*storage.Player
	for _, p := range f.players {
		if p.Linked() {
			linked = append(linked, p)
		}
	}
	return linked, nil
}

func (f *fakeStore) GetPlayer(ctx context.Context, discordID string) (*storage.Player, error) {
	for _, p := range f.players {
		if p.DiscordID == discordID {
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

type fakeGuild struct {
	mu        sync.Mutex
	members   []string
	roles     map[string][]string
	roleReads map[string]int
	addErr    error
}

func newFakeGuild(members ...string) *fakeGuild {
	return &fakeGuild{
		members:   members,
		roles:     make(map[string][]string),
		roleReads: make(map[string]int),
	}
}

func (g *fakeGuild) PresentMembers(ctx context.Context) ([]string, error) {
	return g.members, nil
}

func (g *fakeGuild) MemberRoles(ctx context.Context, memberID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roleReads[memberID]++
	return slices.Clone(g.roles[memberID]), nil
}

func (g *fakeGuild) AddRole(ctx context.Context, memberID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addErr != nil {
		return g.addErr
	}
	g.roles[memberID] = append(g.roles[memberID], roleID)
	return nil
}

func (g *fakeGuild) RemoveRole(ctx context.Context, memberID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roles[memberID] = slices.DeleteFunc(g.roles[memberID], func(r string) bool { return r == roleID })
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *fakeNotifier) NotifyTransition(ctx context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

// Helpers

func roleID(t tier.Tier) string {
	return "role-" + t.Label()
}

func testRoles(t *testing.T) *tier.RoleMap {
	t.Helper()
	ids := make(map[tier.Tier]string)
	for _, tt := range tier.All() {
		ids[tt] = roleID(tt)
	}
	m, err := tier.NewRoleMap(ids)
	if err != nil {
		t.Fatalf("NewRoleMap: %v", err)
	}
	return m
}

func linked(discordID string, osuID int64) *storage.Player {
	return &storage.Player{DiscordID: discordID, OsuID: &osuID}
}

func rankedUser(id int64) *osu.User {
	u := &osu.User{ID: id, Username: "player" + strconv.FormatInt(id, 10), CountryCode: "LV"}
	u.Statistics.IsRanked = true
	return u
}

func newSync(t *testing.T, src *fakeSource, store *fakeStore, guild *fakeGuild, n *fakeNotifier) *Synchronizer {
	return New(Config{Mode: "osu", Country: "LV", Roles: testRoles(t)}, src, store, guild, n)
}

func eventFor(events []Event, memberID string) *Event {
	for i := range events {
		if events[i].MemberID == memberID {
			return &events[i]
		}
	}
	return nil
}

// Tests

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		current tier.Tier
		next    tier.Tier
		want    Kind
		wantOK  bool
	}{
		{"none to T5", tier.None, tier.T5, AssignedNoPrior, true},
		{"T5 to T3", tier.T5, tier.T3, Promoted, true},
		{"T3 to T8", tier.T3, tier.T8, Demoted, true},
		{"restricted to T9", tier.Restricted, tier.T9, Unrestricted, true},
		{"T2 unchanged", tier.T2, tier.T2, "", false},
		{"T4 restricted", tier.T4, tier.Restricted, Restricted, true},
		{"none restricted", tier.None, tier.Restricted, Restricted, true},
		{"still restricted", tier.Restricted, tier.Restricted, "", false},
		{"T1 inactive", tier.T1, tier.Inactive, WentInactive, true},
		{"none inactive", tier.None, tier.Inactive, WentInactive, true},
		{"restricted inactive", tier.Restricted, tier.Inactive, WentInactive, true},
		{"still inactive", tier.Inactive, tier.Inactive, "", false},
		{"inactive to T10", tier.Inactive, tier.T10, Promoted, true},
		{"inactive restricted", tier.Inactive, tier.Restricted, Restricted, true},
		{"T10 to T9", tier.T10, tier.T9, Promoted, true},
		{"T1 to T10", tier.T1, tier.T10, Demoted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.current, tt.next)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Classify(%s, %s) = %q, %v; want %q, %v",
					tt.current, tt.next, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRun_AssignsTiersFromSnapshot(t *testing.T) {
	src := newFakeSource(
		osu.RankEntry{UserID: 100, Username: "alpha", Position: 1},
		osu.RankEntry{UserID: 200, Username: "bravo", Position: 2},
	)
	src.users[300] = rankedUser(300)
	store := &fakeStore{players: []*storage.Player{linked("A", 100), linked("B", 200), linked("C", 300)}}
	guild := newFakeGuild("A", "B", "C")
	guild.roles["C"] = []string{"member", roleID(tier.T10)}
	notifier := &fakeNotifier{}

	summary, err := newSync(t, src, store, guild, notifier).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Members != 3 || summary.Events != 2 || summary.Errors != 0 {
		t.Errorf("summary = %+v", summary)
	}

	a := eventFor(notifier.events, "A")
	if a == nil || a.Kind != AssignedNoPrior || a.To != tier.T1 {
		t.Errorf("A event = %+v, want assigned-no-prior to T1", a)
	}
	if a != nil && (a.Profile == nil || a.Profile.Username != "alpha") {
		t.Errorf("A event profile = %+v", a.Profile)
	}
	b := eventFor(notifier.events, "B")
	if b == nil || b.Kind != AssignedNoPrior || b.To != tier.T2 {
		t.Errorf("B event = %+v, want assigned-no-prior to T2", b)
	}
	if c := eventFor(notifier.events, "C"); c != nil {
		t.Errorf("C should keep T10 without an event, got %+v", c)
	}

	if !slices.Contains(guild.roles["A"], roleID(tier.T1)) {
		t.Errorf("A roles = %v", guild.roles["A"])
	}
	if !slices.Contains(guild.roles["B"], roleID(tier.T2)) {
		t.Errorf("B roles = %v", guild.roles["B"])
	}
	if src.userCalls[300] != 1 || src.userCalls[100] != 0 || src.userCalls[200] != 0 {
		t.Errorf("unexpected user lookups: %v", src.userCalls)
	}
}

func TestRun_SecondPassIsNoop(t *testing.T) {
	src := newFakeSource(
		osu.RankEntry{UserID: 100, Position: 1},
		osu.RankEntry{UserID: 200, Position: 40},
	)
	src.users[300] = rankedUser(300)
	src.users[400] = &osu.User{ID: 400}
	store := &fakeStore{players: []*storage.Player{
		linked("A", 100), linked("B", 200), linked("C", 300), linked("D", 400), linked("E", 500),
	}}
	guild := newFakeGuild("A", "B", "C", "D", "E")
	guild.roles["B"] = []string{roleID(tier.T2)}
	notifier := &fakeNotifier{}
	s := newSync(t, src, store, guild, notifier)

	first, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Events != 5 {
		t.Fatalf("first pass events = %d, want 5", first.Events)
	}

	second, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Events != 0 {
		t.Errorf("second pass events = %d, want 0 (events: %+v)", second.Events, notifier.events[5:])
	}
	if len(notifier.events) != 5 {
		t.Errorf("notifications = %d, want 5", len(notifier.events))
	}
}

func TestRun_ReferenceMissingBlocksRestricted(t *testing.T) {
	src := newFakeSource()
	src.reference = false
	store := &fakeStore{players: []*storage.Player{linked("A", 1), linked("B", 2), linked("C", 3)}}
	guild := newFakeGuild("A", "B", "C")
	for _, m := range guild.members {
		guild.roles[m] = []string{roleID(tier.T4)}
	}
	notifier := &fakeNotifier{}

	summary, err := newSync(t, src, store, guild, notifier).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.Events != 0 || summary.SkippedOutage != 3 {
		t.Errorf("summary = %+v, want 0 events and 3 outage skips", summary)
	}
	for _, ev := range notifier.events {
		if ev.Kind == Restricted {
			t.Errorf("restricted event during outage: %+v", ev)
		}
	}
	for _, m := range guild.members {
		if !slices.Equal(guild.roles[m], []string{roleID(tier.T4)}) {
			t.Errorf("%s roles changed to %v", m, guild.roles[m])
		}
	}
	// An unhealthy verdict is re-checked for every member.
	if src.referenceCalls != 3 {
		t.Errorf("reference calls = %d, want 3", src.referenceCalls)
	}
}

func TestRun_RestrictedWhenReferenceHealthy(t *testing.T) {
	src := newFakeSource()
	store := &fakeStore{players: []*storage.Player{linked("A", 1), linked("B", 2)}}
	guild := newFakeGuild("A", "B")
	guild.roles["A"] = []string{roleID(tier.T3)}
	notifier := &fakeNotifier{}

	summary, err := newSync(t, src, store, guild, notifier).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.Events != 2 {
		t.Fatalf("events = %d, want 2", summary.Events)
	}
	for _, ev := range notifier.events {
		if ev.Kind != Restricted || ev.To != tier.Restricted {
			t.Errorf("event = %+v, want restricted", ev)
		}
	}
	if !slices.Equal(guild.roles["A"], []string{roleID(tier.Restricted)}) {
		t.Errorf("A roles = %v", guild.roles["A"])
	}
	// A healthy verdict is reused for the rest of the pass.
	if src.referenceCalls != 1 {
		t.Errorf("reference calls = %d, want 1", src.referenceCalls)
	}
}

func TestRun_Unrestricted(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 7, Position: 700})
	store := &fakeStore{players: []*storage.Player{linked("A", 7)}}
	guild := newFakeGuild("A")
	guild.roles["A"] = []string{roleID(tier.Restricted)}
	notifier := &fakeNotifier{}

	if _, err := newSync(t, src, store, guild, notifier).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("events = %+v", notifier.events)
	}
	ev := notifier.events[0]
	if ev.Kind != Unrestricted || ev.From != tier.Restricted || ev.To != tier.T9 {
		t.Errorf("event = %+v, want unrestricted restricted->T9", ev)
	}
	if !slices.Equal(guild.roles["A"], []string{roleID(tier.T9)}) {
		t.Errorf("roles = %v", guild.roles["A"])
	}
}

func TestRun_Inactive(t *testing.T) {
	src := newFakeSource()
	src.users[9] = &osu.User{ID: 9, Username: "idle"}
	store := &fakeStore{players: []*storage.Player{linked("A", 9)}}
	guild := newFakeGuild("A")
	guild.roles["A"] = []string{roleID(tier.T6)}
	notifier := &fakeNotifier{}

	if _, err := newSync(t, src, store, guild, notifier).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(notifier.events) != 1 || notifier.events[0].Kind != WentInactive {
		t.Fatalf("events = %+v, want one went-inactive", notifier.events)
	}
	if notifier.events[0].Profile == nil || notifier.events[0].Profile.Username != "idle" {
		t.Errorf("profile = %+v", notifier.events[0].Profile)
	}
	if src.referenceCalls != 0 {
		t.Errorf("reference checked for a found account")
	}
}

func TestRun_AbsentMemberIsSkipped(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 1, Position: 3})
	store := &fakeStore{players: []*storage.Player{linked("A", 1), linked("gone", 2)}}
	guild := newFakeGuild("A")
	notifier := &fakeNotifier{}

	summary, err := newSync(t, src, store, guild, notifier).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.Skipped != 1 || summary.Members != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if src.userCalls[2] != 0 || guild.roleReads["gone"] != 0 {
		t.Errorf("absent member touched: user calls %v, role reads %v", src.userCalls, guild.roleReads)
	}
	if eventFor(notifier.events, "gone") != nil {
		t.Error("event for absent member")
	}
}

func TestRun_UnlinkedPlayersIgnored(t *testing.T) {
	src := newFakeSource()
	store := &fakeStore{players: []*storage.Player{{DiscordID: "A"}}}
	guild := newFakeGuild("A")

	summary, err := newSync(t, src, store, guild, &fakeNotifier{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Members != 0 || src.totalUserCalls() != 0 {
		t.Errorf("summary = %+v, user calls = %d", summary, src.totalUserCalls())
	}
}

func TestRun_MemberErrorsAreIsolated(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 2, Position: 20})
	src.userErrs[1] = &osu.APIError{StatusCode: 502, Body: "bad gateway"}
	store := &fakeStore{players: []*storage.Player{linked("A", 1), linked("B", 2)}}
	guild := newFakeGuild("A", "B")
	notifier := &fakeNotifier{}

	summary, err := newSync(t, src, store, guild, notifier).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.Errors != 1 || summary.Events != 1 {
		t.Errorf("summary = %+v, want 1 error and 1 event", summary)
	}
	if eventFor(notifier.events, "B") == nil {
		t.Error("member after the failing one was not processed")
	}
	if len(guild.roles["A"]) != 0 {
		t.Errorf("failed member got roles %v", guild.roles["A"])
	}
}

func TestRun_NotifyFailureKeepsGoing(t *testing.T) {
	src := newFakeSource(
		osu.RankEntry{UserID: 1, Position: 1},
		osu.RankEntry{UserID: 2, Position: 2},
	)
	store := &fakeStore{players: []*storage.Player{linked("A", 1), linked("B", 2)}}
	guild := newFakeGuild("A", "B")
	notifier := &fakeNotifier{err: errors.New("discord unavailable")}

	summary, err := newSync(t, src, store, guild, notifier).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.Events != 2 || summary.Errors != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if !slices.Contains(guild.roles["B"], roleID(tier.T2)) {
		t.Errorf("B roles = %v", guild.roles["B"])
	}
}

func TestRun_RoleFailureIsMemberError(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 1, Position: 1})
	store := &fakeStore{players: []*storage.Player{linked("A", 1)}}
	guild := newFakeGuild("A")
	guild.addErr = errors.New("missing permissions")
	notifier := &fakeNotifier{}

	summary, err := newSync(t, src, store, guild, notifier).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Errors != 1 || len(notifier.events) != 0 {
		t.Errorf("summary = %+v, notifications = %d", summary, len(notifier.events))
	}
}

func TestRun_DuplicateTierRoles(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 1, Position: 1})
	store := &fakeStore{players: []*storage.Player{linked("A", 1)}}
	guild := newFakeGuild("A")
	guild.roles["A"] = []string{"member", roleID(tier.T3), roleID(tier.T5)}
	notifier := &fakeNotifier{}

	if _, err := newSync(t, src, store, guild, notifier).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("events = %+v", notifier.events)
	}
	if ev := notifier.events[0]; ev.Kind != Promoted || ev.From != tier.T3 {
		t.Errorf("event = %+v, want promoted from the first tier role", ev)
	}
	if !slices.Equal(guild.roles["A"], []string{"member", roleID(tier.T1)}) {
		t.Errorf("roles = %v", guild.roles["A"])
	}
}

func TestRun_DuplicateTierRolesWithoutTransition(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 1, Position: 7})
	store := &fakeStore{players: []*storage.Player{linked("A", 1)}}
	guild := newFakeGuild("A")
	guild.roles["A"] = []string{roleID(tier.T3), "member", roleID(tier.T8)}
	notifier := &fakeNotifier{}
	s := newSync(t, src, store, guild, notifier)

	for i := 0; i < 3; i++ {
		summary, err := s.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if summary.Events != 0 || summary.Errors != 0 {
			t.Fatalf("pass %d: summary = %+v", i, summary)
		}
	}

	if len(notifier.events) != 0 {
		t.Errorf("events = %+v, want none", notifier.events)
	}
	if !slices.Equal(guild.roles["A"], []string{roleID(tier.T3), "member"}) {
		t.Errorf("roles = %v, want only the LV10 tier role kept", guild.roles["A"])
	}
}

func TestRun_RankingFailureAborts(t *testing.T) {
	src := newFakeSource()
	src.rankingErr = &osu.APIError{StatusCode: 503}
	store := &fakeStore{players: []*storage.Player{linked("A", 1)}}
	guild := newFakeGuild("A")

	if _, err := newSync(t, src, store, guild, &fakeNotifier{}).Run(context.Background()); err == nil {
		t.Fatal("expected error when the ranking cannot be fetched")
	}
	if guild.roleReads["A"] != 0 {
		t.Error("members processed without a ranking")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 1, Position: 1})
	store := &fakeStore{players: []*storage.Player{linked("A", 1)}}
	guild := newFakeGuild("A")
	s := New(Config{Mode: "osu", Country: "LV", Roles: testRoles(t), MemberDelay: DefaultMemberDelay},
		src, store, guild, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSyncMember(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 1, Position: 30})
	store := &fakeStore{players: []*storage.Player{linked("A", 1), {DiscordID: "U"}, linked("gone", 2)}}
	guild := newFakeGuild("A", "U")
	notifier := &fakeNotifier{}
	s := newSync(t, src, store, guild, notifier)
	ctx := context.Background()

	ev, err := s.SyncMember(ctx, "A")
	if err != nil {
		t.Fatalf("SyncMember: %v", err)
	}
	if ev == nil || ev.Kind != AssignedNoPrior || ev.To != tier.T5 {
		t.Errorf("event = %+v, want assigned-no-prior T5", ev)
	}

	for _, id := range []string{"U", "gone", "unknown"} {
		ev, err := s.SyncMember(ctx, id)
		if err != nil || ev != nil {
			t.Errorf("SyncMember(%s) = %+v, %v; want no-op", id, ev, err)
		}
	}
	if src.rankingCalls != 1 {
		t.Errorf("ranking fetched %d times, want only for the linked present member", src.rankingCalls)
	}
	if src.userCalls[2] != 0 {
		t.Error("absent member looked up")
	}
}

func TestSyncMember_ReusesRecentSnapshot(t *testing.T) {
	src := newFakeSource(osu.RankEntry{UserID: 1, Position: 3}, osu.RankEntry{UserID: 2, Position: 60})
	store := &fakeStore{players: []*storage.Player{linked("A", 1), linked("B", 2)}}
	guild := newFakeGuild("A", "B")
	s := newSync(t, src, store, guild, &fakeNotifier{})

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for _, id := range []string{"A", "B", "A"} {
		if _, err := s.SyncMember(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if src.rankingCalls != 1 {
		t.Errorf("ranking fetched %d times within the reuse window, want 1", src.rankingCalls)
	}

	now = now.Add(snapshotTTL)
	if _, err := s.SyncMember(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	if src.rankingCalls != 2 {
		t.Errorf("ranking fetched %d times after expiry, want 2", src.rankingCalls)
	}

	// Full passes never reuse, but refresh the snapshot for later syncs.
	if _, err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SyncMember(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if src.rankingCalls != 3 {
		t.Errorf("ranking calls = %d, want 3", src.rankingCalls)
	}
}

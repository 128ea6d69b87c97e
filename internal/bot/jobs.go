package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flor3z/osu-rank-bot/internal/export"
	"github.com/flor3z/osu-rank-bot/internal/linker"
	"github.com/flor3z/osu-rank-bot/internal/newbest"
	"github.com/flor3z/osu-rank-bot/internal/poller"
	"github.com/flor3z/osu-rank-bot/internal/rolesync"
)

const (
	JobRoleSync  = "rolesync"
	JobLink      = "link"
	JobNewBest   = "newbest"
	JobGlobalTop = "globaltop"
)

type syncRunner interface {
	Run(ctx context.Context) (rolesync.Summary, error)
}

type linkRunner interface {
	Run(ctx context.Context) (linker.Summary, error)
}

type bestRunner interface {
	Run(ctx context.Context) (newbest.Summary, error)
}

type exportRunner interface {
	Run(ctx context.Context) (int, error)
}

// registerJobs adds the periodic jobs. Start delays stagger the first runs
// so the gateway has delivered presences before the first link pass.
func (b *Bot) registerJobs(syncer syncRunner, link linkRunner, exporter *export.Exporter, poster, globalTop bestRunner) {
	b.registry.Register(poller.Job{
		Name:        JobLink,
		Description: "Link members playing osu! to their accounts",
		Interval:    b.config.LinkInterval,
		Delay:       30 * time.Second,
		Run:         linkJob(link, exporter),
	})
	b.registry.Register(poller.Job{
		Name:        JobRoleSync,
		Description: "Sync tier roles with the country leaderboard",
		Interval:    b.config.RoleSyncInterval,
		Delay:       time.Minute,
		Run:         roleSyncJob(syncer),
	})
	b.registry.Register(poller.Job{
		Name:        JobNewBest,
		Description: "Post new personal best scores",
		Interval:    b.config.NewBestInterval,
		Delay:       2 * time.Minute,
		Run:         newBestJob(poster),
	})
	b.registry.Register(poller.Job{
		Name:        JobGlobalTop,
		Description: "Post recent plays that reached a global top 50",
		Interval:    b.config.GlobalTopInterval,
		Delay:       3 * time.Minute,
		Run:         newBestJob(globalTop),
	})
}

func roleSyncJob(syncer syncRunner) poller.RunFunc {
	return func(ctx context.Context) (string, error) {
		s, err := syncer.Run(ctx)
		if err != nil {
			return "", err
		}
		msg := fmt.Sprintf("%d members, %d changes, %d errors, %d skipped during outage",
			s.Members, s.Events, s.Errors, s.SkippedOutage)
		if s.Partial {
			msg += " (partial leaderboard)"
		}
		return msg, nil
	}
}

// linkJob runs a link pass and then exports the link table. Export failures
// are logged and do not fail the pass.
func linkJob(link linkRunner, exporter exportRunner) poller.RunFunc {
	return func(ctx context.Context) (string, error) {
		s, err := link.Run(ctx)
		if err != nil {
			return "", err
		}
		msg := fmt.Sprintf("%d playing, %d linked, %d moved, %d mismatches, %d non-resident, %d errors",
			s.Playing, s.Linked, s.Moved, s.Mismatches, s.NonResident, s.Errors)

		if exporter == nil {
			return msg, nil
		}
		n, err := exporter.Run(ctx)
		if err != nil {
			slog.Error("Link export failed", "error", err)
			return msg + ", export failed", nil
		}
		if n > 0 {
			msg += fmt.Sprintf(", exported %d links", n)
		}
		return msg, nil
	}
}

func newBestJob(poster bestRunner) poller.RunFunc {
	return func(ctx context.Context) (string, error) {
		s, err := poster.Run(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d members, %d scores posted, %d errors", s.Members, s.Posted, s.Errors), nil
	}
}

package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flor3z/osu-rank-bot/internal/metrics"
)

// Trigger says who started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// RunFunc performs one pass of a job and returns a short human-readable
// summary.
type RunFunc func(ctx context.Context) (string, error)

// Job is a named unit of periodic work.
type Job struct {
	Name        string
	Description string
	Interval    time.Duration
	// Delay postpones the first scheduled run.
	Delay time.Duration
	Run   RunFunc
}

// Poller runs a job on its interval. It implements suture.Service.
type Poller struct {
	job Job

	mu      sync.Mutex
	running int
}

// New creates a new Poller for job
func New(job Job) *Poller {
	return &Poller{job: job}
}

// Job returns the job the poller runs.
func (p *Poller) Job() Job {
	return p.job
}

// Serve runs the job once, then on every tick until ctx is cancelled.
func (p *Poller) Serve(ctx context.Context) error {
	slog.Info("Starting poller", "job", p.job.Name, "interval", p.job.Interval)

	if p.job.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.job.Delay):
		}
	}

	// Initial poll
	p.RunNow(ctx, TriggerSchedule)

	ticker := time.NewTicker(p.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Poller stopped", "job", p.job.Name)
			return ctx.Err()
		case <-ticker.C:
			p.RunNow(ctx, TriggerSchedule)
		}
	}
}

func (p *Poller) String() string {
	return "poller-" + p.job.Name
}

// RunNow runs the job immediately. Manual runs may overlap scheduled ones.
func (p *Poller) RunNow(ctx context.Context, trigger Trigger) (summary string, err error) {
	p.mu.Lock()
	p.running++
	overlapping := p.running > 1
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	if overlapping {
		slog.Debug("Job already running, starting another pass", "job", p.job.Name, "trigger", trigger)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", p.job.Name, r)
		}

		result := "success"
		if err != nil {
			result = "error"
			slog.Error("Job failed", "job", p.job.Name, "trigger", trigger, "error", err)
		} else {
			metrics.JobLastSuccess.WithLabelValues(p.job.Name).SetToCurrentTime()
		}
		metrics.JobRuns.WithLabelValues(p.job.Name, string(trigger), result).Inc()
	}()

	start := time.Now()
	summary, err = p.job.Run(ctx)
	slog.Debug("Job finished", "job", p.job.Name, "trigger", trigger, "duration", time.Since(start))
	return summary, err
}

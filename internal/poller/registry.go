package poller

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry manages all registered pollers
type Registry struct {
	mu      sync.RWMutex
	pollers map[string]*Poller
}

// NewRegistry creates a new job registry
func NewRegistry() *Registry {
	return &Registry{
		pollers: make(map[string]*Poller),
	}
}

// Register adds a job and returns its poller
func (r *Registry) Register(job Job) *Poller {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := New(job)
	r.pollers[job.Name] = p
	return p
}

// Get retrieves a poller by job name
func (r *Registry) Get(name string) (*Poller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pollers[name]
	if !ok {
		return nil, fmt.Errorf("unknown job: %s", name)
	}
	return p, nil
}

// GetAll returns all registered pollers, sorted by name
func (r *Registry) GetAll() []*Poller {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pollers := make([]*Poller, 0, len(r.pollers))
	for _, p := range r.pollers {
		pollers = append(pollers, p)
	}
	sort.Slice(pollers, func(i, j int) bool {
		return pollers[i].job.Name < pollers[j].job.Name
	})
	return pollers
}

// List returns information about all registered jobs
func (r *Registry) List() []JobInfo {
	pollers := r.GetAll()
	jobs := make([]JobInfo, 0, len(pollers))
	for _, p := range pollers {
		jobs = append(jobs, JobInfo{
			Name:        p.job.Name,
			Description: p.job.Description,
			Interval:    p.job.Interval,
		})
	}
	return jobs
}

// JobInfo contains display information about a job
type JobInfo struct {
	Name        string
	Description string
	Interval    time.Duration
}

package adapter

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/runtime"
)

// CronScheduler submits a workflow on a recurring schedule. Every
// firing materializes a fresh instance; schedules are keyed by name so
// operators can remove them later.
type CronScheduler struct {
	rt      *runtime.Runtime
	crontab *cron.Cron
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewCronScheduler(rt *runtime.Runtime, logger *zap.Logger) *CronScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CronScheduler{
		rt:      rt,
		crontab: cron.New(),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a schedule under a unique name. The spec's ID is
// cleared on every firing so each run gets its own instance.
func (s *CronScheduler) Add(name, expr string, spec runtime.WorkflowSpec) error {
	if name == "" {
		return errors.New("schedule name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return errors.Errorf("schedule %q already exists", name)
	}
	id, err := s.crontab.AddFunc(expr, func() {
		ws := spec
		ws.ID = ""
		if ws.Name == "" {
			ws.Name = name
		}
		view, err := s.rt.Submit(context.Background(), ws)
		if err != nil {
			s.logger.Warn("scheduled submission failed",
				zap.String("schedule", name),
				zap.Error(err))
			return
		}
		s.logger.Info("scheduled workflow submitted",
			zap.String("schedule", name),
			zap.String("instance", view.ID))
	})
	if err != nil {
		return errors.Wrapf(err, "invalid schedule %q", expr)
	}
	s.entries[name] = id
	return nil
}

// Remove drops a schedule. Returns false if the name is unknown.
func (s *CronScheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.crontab.Remove(id)
	delete(s.entries, name)
	return true
}

// Schedules lists registered schedule names, sorted.
func (s *CronScheduler) Schedules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *CronScheduler) Start() {
	s.crontab.Start()
}

// Stop halts scheduling and waits for in-flight submissions to finish.
func (s *CronScheduler) Stop() {
	<-s.crontab.Stop().Done()
}

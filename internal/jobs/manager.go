package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

var (
	// ErrValidation rejects a start request before any job is created.
	ErrValidation = errors.New("invalid job parameters")
	// ErrCancelled is returned by controllers that stopped on their token.
	ErrCancelled      = errors.New("job cancelled")
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("job already finished")
)

// Params is the typed configuration of one job kind.
type Params interface {
	JobType() models.JobType
	Validate() error
	IsAsync() bool
}

// Controller executes one job. It returns whatever result it gathered even
// when it also returns an error, so failed and cancelled jobs keep their
// partial statistics.
type Controller interface {
	Run(ctx context.Context, params Params, cancel *CancelToken) (any, error)
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(ctx context.Context, params Params, cancel *CancelToken) (any, error)

func (f ControllerFunc) Run(ctx context.Context, params Params, cancel *CancelToken) (any, error) {
	return f(ctx, params, cancel)
}

// Store is the persistence the manager writes every transition to.
type Store interface {
	SaveJob(ctx context.Context, job models.Job) error
	LoadJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, jobType models.JobType) ([]models.Job, error)
}

type entry struct {
	job    models.Job
	cancel *CancelToken
}

// Manager owns the lifecycle of automation jobs. Jobs move queued → running →
// completed/failed/cancelled and never leave a terminal state.
type Manager struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu          sync.RWMutex
	controllers map[models.JobType]Controller
	jobs        map[string]*entry
	counter     uint64
}

// NewManager creates a manager whose background jobs run under a context
// derived from base.
func NewManager(base context.Context, store Store, log *zap.Logger) *Manager {
	ctx, stop := context.WithCancel(base)
	return &Manager{
		store:       store,
		log:         logger.OrNop(log).Named("jobs"),
		now:         func() time.Time { return time.Now().UTC() },
		base:        ctx,
		stop:        stop,
		controllers: make(map[models.JobType]Controller),
		jobs:        make(map[string]*entry),
	}
}

// Register binds the controller that runs jobs of type t.
func (m *Manager) Register(t models.JobType, c Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[t] = c
}

// newID builds crawler_20240301_120000_3_1a2b3c4d: type, start time, a
// process-wide counter and a random suffix so ids stay unique across restarts.
func (m *Manager) newID(t models.JobType, at time.Time) string {
	m.counter++
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%d_%s", t, at.Format("20060102_150405"), m.counter, suffix)
}

// Start validates params, creates the job and runs it, in the background when
// params ask for async execution. Synchronous starts return the finished job.
// Either way the controller runs under the manager's context: only Cancel and
// Shutdown stop a job, never the caller going away.
func (m *Manager) Start(ctx context.Context, params Params) (models.Job, error) {
	if params == nil {
		return models.Job{}, fmt.Errorf("%w: missing parameters", ErrValidation)
	}
	if err := params.Validate(); err != nil {
		if errors.Is(err, ErrValidation) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	t := params.JobType()

	m.mu.Lock()
	ctrl, ok := m.controllers[t]
	if !ok {
		m.mu.Unlock()
		return models.Job{}, fmt.Errorf("%w: unsupported job type %q", ErrValidation, t)
	}
	now := m.now()
	job := models.Job{
		ID:        m.newID(t, now),
		Type:      t,
		Status:    models.JobQueued,
		Params:    params,
		StartedAt: now,
	}
	e := &entry{job: job, cancel: NewCancelToken()}
	m.jobs[job.ID] = e
	m.mu.Unlock()

	if err := m.store.SaveJob(ctx, job); err != nil {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		return models.Job{}, fmt.Errorf("persist job: %w", err)
	}

	job = m.transition(ctx, job.ID, func(j *models.Job) { j.Status = models.JobRunning })
	metrics.JobsStarted.WithLabelValues(string(t)).Inc()
	metrics.JobsRunning.WithLabelValues(string(t)).Inc()
	m.log.Info("job started", zap.String("job_id", job.ID), zap.String("type", string(t)), zap.Bool("async", params.IsAsync()))

	if params.IsAsync() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.execute(m.base, job.ID, ctrl, params, e.cancel)
		}()
		return job, nil
	}
	m.wg.Add(1)
	defer m.wg.Done()
	return m.execute(m.base, job.ID, ctrl, params, e.cancel), nil
}

func (m *Manager) execute(ctx context.Context, id string, ctrl Controller, params Params, cancel *CancelToken) (final models.Job) {
	var (
		result any
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller panic: %v", r)
		}
		final = m.finish(id, result, err)
	}()
	result, err = ctrl.Run(ctx, params, cancel)
	return
}

func (m *Manager) finish(id string, result any, err error) models.Job {
	job := m.transition(context.Background(), id, func(j *models.Job) {
		completed := m.now()
		j.CompletedAt = &completed
		j.Result = result
		switch {
		case err == nil:
			j.Status = models.JobCompleted
		case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
			j.Status = models.JobCancelled
		default:
			j.Status = models.JobFailed
			j.Error = err.Error()
		}
	})

	metrics.JobsRunning.WithLabelValues(string(job.Type)).Dec()
	metrics.JobsFinished.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	fields := []zap.Field{zap.String("job_id", id), zap.String("status", string(job.Status))}
	if job.Status == models.JobFailed {
		m.log.Error("job failed", append(fields, zap.String("error", job.Error))...)
	} else {
		m.log.Info("job finished", fields...)
	}
	return job
}

// transition applies fn under the lock, refuses to leave a terminal state and
// persists the result. Persistence failures are logged; the in-memory copy
// stays authoritative for this process.
func (m *Manager) transition(ctx context.Context, id string, fn func(*models.Job)) models.Job {
	m.mu.Lock()
	e := m.jobs[id]
	if !e.job.Status.Terminal() {
		fn(&e.job)
	}
	job := e.job
	m.mu.Unlock()

	if err := m.store.SaveJob(ctx, job); err != nil {
		m.log.Error("persist job transition", zap.String("job_id", id), zap.Error(err))
	}
	return job
}

// Get returns a job by id, falling back to the store for jobs from earlier runs.
func (m *Manager) Get(ctx context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	var job models.Job
	if ok {
		job = e.job
	}
	m.mu.RUnlock()
	if ok {
		return job, nil
	}

	job, err := m.store.LoadJob(ctx, id)
	if errors.Is(err, graph.ErrNotFound) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// List returns jobs newest first. An empty type lists every kind.
func (m *Manager) List(ctx context.Context, t models.JobType) ([]models.Job, error) {
	persisted, err := m.store.ListJobs(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	byID := make(map[string]models.Job, len(persisted))
	for _, j := range persisted {
		byID[j.ID] = j
	}
	m.mu.RLock()
	for id, e := range m.jobs {
		if t == "" || e.job.Type == t {
			byID[id] = e.job
		}
	}
	m.mu.RUnlock()

	out := make([]models.Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// Cancel raises the cancellation flag of a running job. The job reaches
// cancelled once its controller next checks the flag.
func (m *Manager) Cancel(ctx context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	var job models.Job
	if ok {
		job = e.job
	}
	m.mu.RUnlock()

	if !ok {
		stored, err := m.Get(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		return stored, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, stored.Status)
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, job.Status)
	}
	e.cancel.Cancel()
	m.log.Info("job cancellation requested", zap.String("job_id", id))
	return job, nil
}

// Recover marks jobs left non-terminal by a previous process as failed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	persisted, err := m.store.ListJobs(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	n := 0
	for _, j := range persisted {
		if j.Status.Terminal() {
			continue
		}
		m.mu.RLock()
		_, live := m.jobs[j.ID]
		m.mu.RUnlock()
		if live {
			continue
		}
		now := m.now()
		j.Status = models.JobFailed
		j.Error = "interrupted by engine restart"
		j.CompletedAt = &now
		if err := m.store.SaveJob(ctx, j); err != nil {
			return n, fmt.Errorf("persist recovered job %s: %w", j.ID, err)
		}
		n++
	}
	if n > 0 {
		m.log.Warn("marked interrupted jobs as failed", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown cancels every running job and waits for the controllers to stop.
// When ctx expires first, in-flight calls are aborted too.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, e := range m.jobs {
		if !e.job.Status.Terminal() {
			e.cancel.Cancel()
		}
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-done
		return ctx.Err()
	}
}

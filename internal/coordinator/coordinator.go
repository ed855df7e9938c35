// Package coordinator drives a simulation through its lifecycle: creation,
// dispatch to the solver pool, result capture and deletion.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"ultrasonic-sim/internal/models"
	"ultrasonic-sim/internal/notify"
	"ultrasonic-sim/internal/solver"
	"ultrasonic-sim/internal/telemetry"
	"ultrasonic-sim/internal/worker"
)

// ErrArtifactMissing means the solver reported a file that is not in the working directory.
var ErrArtifactMissing = errors.New("solver artifact missing")

// Store is the persistence contract the coordinator depends on.
type Store interface {
	Create(ctx context.Context, p models.SimulationParams) (models.Simulation, error)
	List(ctx context.Context) ([]models.Simulation, error)
	Get(ctx context.Context, id int64) (models.Simulation, error)
	ListByPorosity(ctx context.Context, porosity float64) ([]models.Simulation, error)
	ListByDistance(ctx context.Context, substr string) ([]models.Simulation, error)
	Artifact(ctx context.Context, id int64) (models.Artifact, error)
	Delete(ctx context.Context, id int64) error
	MarkRunning(ctx context.Context, id int64) (models.Simulation, error)
	SetStatus(ctx context.Context, id int64, status models.Status) error
	SetResult(ctx context.Context, id int64, r models.Result) error
	CountRunning(ctx context.Context) (int64, error)
	FailRunning(ctx context.Context) ([]int64, error)
}

// Solver runs one simulation and names the artifact it produced.
type Solver interface {
	Invoke(ctx context.Context, in solver.Input) (solver.Result, error)
}

// Pool admits background runs.
type Pool interface {
	Reserve() (*worker.Ticket, error)
}

// Archiver mirrors a finished artifact to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, id int64, filename string, content []byte) (string, error)
}

// Options wires a Coordinator. Archiver and Logger are optional.
type Options struct {
	Store    Store
	Solver   Solver
	Notifier notify.Publisher
	Pool     Pool
	Archiver Archiver
	WorkDir  string
	Logger   logrus.FieldLogger
}

// Coordinator owns every status transition of a simulation.
type Coordinator struct {
	store    Store
	solver   Solver
	notifier notify.Publisher
	pool     Pool
	archiver Archiver
	workDir  string
	log      logrus.FieldLogger
	remove   func(name string) error
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Solver == nil || opts.Notifier == nil || opts.Pool == nil {
		return nil, errors.New("coordinator: store, solver, notifier and pool are required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		store:    opts.Store,
		solver:   opts.Solver,
		notifier: opts.Notifier,
		pool:     opts.Pool,
		archiver: opts.Archiver,
		workDir:  opts.WorkDir,
		log:      log,
		remove:   os.Remove,
	}, nil
}

// Submit persists a validated simulation at Not started and announces it.
func (c *Coordinator) Submit(ctx context.Context, p models.SimulationParams) (models.Simulation, error) {
	sim, err := c.store.Create(ctx, p)
	if err != nil {
		return models.Simulation{}, fmt.Errorf("create simulation: %w", err)
	}
	telemetry.SimulationsSubmitted.Inc()
	c.log.WithFields(logrus.Fields{"simulation_id": sim.ID, "sim_name": sim.SimName}).Info("simulation created")

	c.publish(ctx, notify.JobCreated(sim))
	c.publish(ctx, notify.JobStateChanged(sim.ID, sim.Status))
	return sim, nil
}

// Run marks the simulation Running and hands it to the solver pool. It
// returns as soon as the run is queued. When the pool is saturated or
// shutting down it returns worker.ErrQueueFull or worker.ErrStopped and the
// row is left untouched. A queued run the pool aborts at shutdown ends in Error.
func (c *Coordinator) Run(ctx context.Context, id int64) (models.Simulation, error) {
	ticket, err := c.pool.Reserve()
	if err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			telemetry.RunsRejected.Inc()
		}
		return models.Simulation{}, err
	}

	sim, err := c.store.MarkRunning(ctx, id)
	if err != nil {
		ticket.Release()
		return models.Simulation{}, err
	}
	telemetry.RunsStarted.Inc()
	c.log.WithField("simulation_id", id).Info("simulation dispatched")
	c.publish(ctx, notify.JobStateChanged(id, models.StatusRunning))

	ticket.Submit(worker.Job{
		Run: func(taskCtx context.Context) {
			c.execute(taskCtx, id)
		},
		Abort: func(taskCtx context.Context) {
			c.fail(taskCtx, c.log.WithField("simulation_id", id), id, worker.ErrStopped)
		},
	})
	return sim, nil
}

func (c *Coordinator) execute(ctx context.Context, id int64) {
	log := c.log.WithField("simulation_id", id)

	res, content, err := c.solve(ctx, id)
	if err == nil {
		err = c.store.SetResult(ctx, id, models.Result{
			Filename: res.Filename,
			Status:   models.StatusFinished,
			Elapsed:  res.Elapsed,
			Content:  content,
		})
	}
	if err != nil {
		c.fail(ctx, log, id, err)
		return
	}
	// The store owns the artifact now; a leftover working file is only logged.
	if err := c.remove(filepath.Join(c.workDir, res.Filename)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).WithField("filename", res.Filename).Warn("could not remove working artifact")
	}

	telemetry.RunsFinished.Inc()
	log.WithFields(logrus.Fields{"filename": res.Filename, "elapsed": res.Elapsed}).Info("simulation finished")
	c.publish(ctx, notify.JobStateChanged(id, models.StatusFinished))
	c.archive(ctx, log, id, res.Filename, content)
}

// solve runs the solver on the stored parameters and reads back its artifact.
func (c *Coordinator) solve(ctx context.Context, id int64) (solver.Result, []byte, error) {
	sim, err := c.store.Get(ctx, id)
	if err != nil {
		return solver.Result{}, nil, fmt.Errorf("reload simulation: %w", err)
	}

	variant := solver.VariantFor(sim.Attenuation)
	started := time.Now()
	res, err := c.solver.Invoke(ctx, solver.Input{
		Params:        sim.SimulationParams,
		PlateLength:   sim.PlateLength,
		Discriminator: id,
	})
	telemetry.SolverDuration.WithLabelValues(string(variant)).Observe(time.Since(started).Seconds())
	if err != nil {
		return solver.Result{}, nil, err
	}

	content, err := os.ReadFile(filepath.Join(c.workDir, res.Filename))
	if errors.Is(err, fs.ErrNotExist) {
		return solver.Result{}, nil, fmt.Errorf("%w: %s", ErrArtifactMissing, res.Filename)
	}
	if err != nil {
		return solver.Result{}, nil, fmt.Errorf("read artifact: %w", err)
	}
	return res, content, nil
}

func (c *Coordinator) fail(ctx context.Context, log logrus.FieldLogger, id int64, cause error) {
	reason := failureReason(cause)
	telemetry.RunsFailed.WithLabelValues(reason).Inc()
	log = log.WithFields(logrus.Fields{"reason": reason, "error": cause.Error()})

	if err := c.store.SetStatus(ctx, id, models.StatusError); err != nil {
		log.WithError(err).Error("could not record failed run")
		return
	}
	log.Warn("simulation failed")
	c.publish(ctx, notify.JobStateChanged(id, models.StatusError))
}

func (c *Coordinator) archive(ctx context.Context, log logrus.FieldLogger, id int64, filename string, content []byte) {
	if c.archiver == nil {
		return
	}
	location, err := c.archiver.Archive(ctx, id, filename, content)
	if err != nil {
		log.WithError(err).Warn("artifact archive failed")
		return
	}
	log.WithField("location", location).Debug("artifact archived")
}

func failureReason(err error) string {
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, solver.ErrFailed), errors.Is(err, solver.ErrBadOutput), errors.Is(err, solver.ErrNotConfigured):
		return "solver"
	case errors.Is(err, ErrArtifactMissing), errors.As(err, &pathErr):
		return "artifact"
	case errors.Is(err, worker.ErrStopped):
		return "shutdown"
	default:
		return "store"
	}
}

// Delete removes a simulation unless it is Running.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.log.WithField("simulation_id", id).Info("simulation deleted")
	return nil
}

// Reconcile moves rows left Running by a previous process to Error.
func (c *Coordinator) Reconcile(ctx context.Context) ([]int64, error) {
	ids, err := c.store.FailRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile running simulations: %w", err)
	}
	for _, id := range ids {
		c.publish(ctx, notify.JobStateChanged(id, models.StatusError))
	}
	if len(ids) > 0 {
		c.log.WithField("simulation_ids", ids).Warn("orphaned runs marked as failed")
	}
	return ids, nil
}

func (c *Coordinator) CountRunning(ctx context.Context) (int64, error) {
	return c.store.CountRunning(ctx)
}

func (c *Coordinator) List(ctx context.Context) ([]models.Simulation, error) {
	return c.store.List(ctx)
}

func (c *Coordinator) Get(ctx context.Context, id int64) (models.Simulation, error) {
	return c.store.Get(ctx, id)
}

func (c *Coordinator) ListByPorosity(ctx context.Context, porosity float64) ([]models.Simulation, error) {
	return c.store.ListByPorosity(ctx, porosity)
}

func (c *Coordinator) ListByDistance(ctx context.Context, substr string) ([]models.Simulation, error) {
	return c.store.ListByDistance(ctx, substr)
}

func (c *Coordinator) Artifact(ctx context.Context, id int64) (models.Artifact, error) {
	return c.store.Artifact(ctx, id)
}

func (c *Coordinator) publish(ctx context.Context, ev notify.Event) {
	if err := c.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		c.log.WithError(err).WithField("event", ev.Name).Warn("notification not delivered")
	}
}

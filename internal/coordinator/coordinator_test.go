package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ultrasonic-sim/internal/models"
	"ultrasonic-sim/internal/notify"
	"ultrasonic-sim/internal/solver"
	"ultrasonic-sim/internal/store"
	"ultrasonic-sim/internal/worker"
)

type fakeSolver struct {
	dir       string
	err       error
	skipWrite bool
	gate      chan struct{}

	mu    sync.Mutex
	calls []solver.Input
}

func (f *fakeSolver) Invoke(ctx context.Context, in solver.Input) (solver.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return solver.Result{}, f.err
	}
	name := fmt.Sprintf("sim_%d.mat", in.Discriminator)
	if !f.skipWrite {
		if err := os.WriteFile(filepath.Join(f.dir, name), []byte("payload-"+name), 0o644); err != nil {
			return solver.Result{}, err
		}
	}
	return solver.Result{Filename: name, Elapsed: 3.5}, nil
}

func (f *fakeSolver) inputs() []solver.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]solver.Input(nil), f.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// states returns the job_state_changed sequence recorded for id.
func (r *recorder) states(id int64) []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Status
	for _, ev := range r.events {
		if change, ok := ev.Data.(notify.StateChange); ok && change.ID == id {
			out = append(out, change.State)
		}
	}
	return out
}

type fakeArchiver struct {
	mu    sync.Mutex
	names []string
}

func (a *fakeArchiver) Archive(_ context.Context, id int64, filename string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, fmt.Sprintf("%d/%s", id, filename))
	return "s3://test/" + filename, nil
}

type harness struct {
	coord  *Coordinator
	store  *store.Memory
	solver *fakeSolver
	events *recorder
	dir    string
}

func newHarness(t *testing.T, pool Pool, archiver Archiver) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		store:  store.NewMemory(),
		solver: &fakeSolver{dir: dir},
		events: &recorder{},
		dir:    dir,
	}
	if pool == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		p := worker.NewPool(2, 4, nil)
		p.Start(ctx)
		pool = p
	}
	coord, err := New(Options{
		Store:    h.store,
		Solver:   h.solver,
		Notifier: h.events,
		Pool:     pool,
		Archiver: archiver,
		WorkDir:  dir,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coord = coord
	return h
}

func params() models.SimulationParams {
	return models.SimulationParams{
		SimName:          "plate-a",
		NTransmitter:     4,
		NReceiver:        4,
		EmittersPitch:    10,
		ReceiversPitch:   10,
		SensorDistance:   50,
		SensorEdgeMargin: 5,
		PlateThickness:   2,
		Porosity:         0.1,
	}
}

func waitStatus(t *testing.T, h *harness, id int64, want models.Status) models.Simulation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sim, err := h.store.Get(context.Background(), id)
		if err == nil && sim.Status == want {
			return sim
		}
		if time.Now().After(deadline) {
			t.Fatalf("simulation %d never reached %q (last %q, err %v)", id, want, sim.Status, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitPersistsAndAnnounces(t *testing.T) {
	h := newHarness(t, nil, nil)
	sim, err := h.coord.Submit(context.Background(), params())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sim.Status != models.StatusNotStarted || sim.PlateLength != 140 {
		t.Fatalf("unexpected snapshot %+v", sim)
	}
	if len(h.events.events) != 2 || h.events.events[0].Name != notify.EventJobCreated {
		t.Fatalf("expected job_created then state change, got %+v", h.events.events)
	}
	if created, ok := h.events.events[0].Data.(models.Simulation); !ok || created.ID != sim.ID {
		t.Fatalf("job_created should carry the snapshot, got %#v", h.events.events[0].Data)
	}
	if got := h.events.states(sim.ID); len(got) != 1 || got[0] != models.StatusNotStarted {
		t.Fatalf("unexpected states %v", got)
	}
}

func TestRunFinishesAndStoresArtifact(t *testing.T) {
	archiver := &fakeArchiver{}
	h := newHarness(t, nil, archiver)
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())

	running, err := h.coord.Run(ctx, sim.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if running.Status != models.StatusRunning {
		t.Fatalf("run should return a Running snapshot, got %q", running.Status)
	}

	done := waitStatus(t, h, sim.ID, models.StatusFinished)

	// Finished is announced only after the working file is gone.
	deadline := time.Now().Add(2 * time.Second)
	for len(h.events.states(sim.ID)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := []models.Status{models.StatusNotStarted, models.StatusRunning, models.StatusFinished}
	if got := h.events.states(sim.ID); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}

	name := fmt.Sprintf("sim_%d.mat", sim.ID)
	if done.ResultStep01 == nil || *done.ResultStep01 != name || done.Time == nil || *done.Time != 3.5 {
		t.Fatalf("unexpected result fields %+v", done)
	}
	art, err := h.store.Artifact(ctx, sim.ID)
	if err != nil || string(art.Content) != "payload-"+name {
		t.Fatalf("artifact not stored: %v %q", err, art.Content)
	}
	if _, err := os.Stat(filepath.Join(h.dir, name)); !os.IsNotExist(err) {
		t.Fatalf("artifact file should be removed, stat err %v", err)
	}

	in := h.solver.inputs()
	if len(in) != 1 || in[0].Discriminator != sim.ID || in[0].PlateLength != 140 || in[0].Params.NTransmitter != 4 {
		t.Fatalf("solver saw %+v", in)
	}

	for time.Now().Before(deadline) {
		archiver.mu.Lock()
		n := len(archiver.names)
		archiver.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("artifact was not archived")
}

func TestRunSolverFailureMarksError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.solver.err = fmt.Errorf("%w: exit status 3", solver.ErrFailed)
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())

	if _, err := h.coord.Run(ctx, sim.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	failed := waitStatus(t, h, sim.ID, models.StatusError)
	if failed.HasArtifact || failed.ResultStep01 != nil {
		t.Fatalf("failed run must not store a result: %+v", failed)
	}
	if _, err := h.store.Artifact(ctx, sim.ID); !errors.Is(err, store.ErrNoArtifact) {
		t.Fatalf("expected ErrNoArtifact, got %v", err)
	}
}

func TestRunMissingArtifactMarksError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.solver.skipWrite = true
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())

	if _, err := h.coord.Run(ctx, sim.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitStatus(t, h, sim.ID, models.StatusError)
}

func TestRunAndDeleteRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.solver.gate = make(chan struct{})
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())

	if _, err := h.coord.Run(ctx, sim.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := h.coord.Run(ctx, sim.ID); !errors.Is(err, store.ErrAlreadyRunning) {
		t.Fatalf("second run: expected ErrAlreadyRunning, got %v", err)
	}
	if err := h.coord.Delete(ctx, sim.ID); !errors.Is(err, store.ErrAlreadyRunning) {
		t.Fatalf("delete: expected ErrAlreadyRunning, got %v", err)
	}
	if n, _ := h.coord.CountRunning(ctx); n != 1 {
		t.Fatalf("expected 1 running, got %d", n)
	}

	close(h.solver.gate)
	waitStatus(t, h, sim.ID, models.StatusFinished)
	if err := h.coord.Delete(ctx, sim.ID); err != nil {
		t.Fatalf("delete finished: %v", err)
	}
	if err := h.coord.Delete(ctx, sim.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete again: expected ErrNotFound, got %v", err)
	}
}

func TestRunRejectedWhenPoolFull(t *testing.T) {
	// An unstarted pool never drains, so its single slot stays taken.
	pool := worker.NewPool(1, 0, nil)
	h := newHarness(t, pool, nil)
	ctx := context.Background()
	first, _ := h.coord.Submit(ctx, params())
	second, _ := h.coord.Submit(ctx, params())

	if _, err := h.coord.Run(ctx, first.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := h.coord.Run(ctx, second.ID); !errors.Is(err, worker.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	sim, _ := h.store.Get(ctx, second.ID)
	if sim.Status != models.StatusNotStarted {
		t.Fatalf("rejected run must not change status, got %q", sim.Status)
	}
}

func TestRunMissingSimulationReleasesSlot(t *testing.T) {
	pool := worker.NewPool(1, 0, nil)
	h := newHarness(t, pool, nil)
	ctx := context.Background()

	if _, err := h.coord.Run(ctx, 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sim, _ := h.coord.Submit(ctx, params())
	if _, err := h.coord.Run(ctx, sim.ID); err != nil {
		t.Fatalf("slot was not released: %v", err)
	}
}

func TestRerunTerminalSimulation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())

	_, _ = h.coord.Run(ctx, sim.ID)
	waitStatus(t, h, sim.ID, models.StatusFinished)
	if _, err := h.coord.Run(ctx, sim.ID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	waitStatus(t, h, sim.ID, models.StatusFinished)
	if n := len(h.solver.inputs()); n != 2 {
		t.Fatalf("expected two solver calls, got %d", n)
	}
}

func TestReconcileFailsOrphanedRuns(t *testing.T) {
	h := newHarness(t, worker.NewPool(1, 1, nil), nil)
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())
	if _, err := h.store.MarkRunning(ctx, sim.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	ids, err := h.coord.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ids) != 1 || ids[0] != sim.ID {
		t.Fatalf("unexpected ids %v", ids)
	}
	waitStatus(t, h, sim.ID, models.StatusError)
	states := h.events.states(sim.ID)
	if states[len(states)-1] != models.StatusError {
		t.Fatalf("reconcile should announce Error, got %v", states)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

func TestFailureReason(t *testing.T) {
	cases := map[string]error{
		"solver":   fmt.Errorf("%w: boom", solver.ErrBadOutput),
		"artifact": fmt.Errorf("%w: x.mat", ErrArtifactMissing),
		"shutdown": worker.ErrStopped,
		"store":    store.ErrNotFound,
	}
	for want, err := range cases {
		if got := failureReason(err); got != want {
			t.Fatalf("failureReason(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestRunQueuedAtShutdownStillCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(1, 1, nil)
	pool.Start(ctx)
	h := newHarness(t, pool, nil)
	h.solver.gate = make(chan struct{})

	bg := context.Background()
	first, _ := h.coord.Submit(bg, params())
	second, _ := h.coord.Submit(bg, params())
	third, _ := h.coord.Submit(bg, params())
	if _, err := h.coord.Run(bg, first.ID); err != nil {
		t.Fatalf("run first: %v", err)
	}
	if _, err := h.coord.Run(bg, second.ID); err != nil {
		t.Fatalf("run second: %v", err)
	}

	cancel()
	stopped := make(chan error, 1)
	go func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		stopped <- pool.Stop(stopCtx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := h.coord.Run(bg, third.ID)
		if errors.Is(err, worker.ErrStopped) {
			break
		}
		if !errors.Is(err, worker.ErrQueueFull) || time.Now().After(deadline) {
			t.Fatalf("expected run to be refused while stopping, got %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(h.solver.gate)

	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitStatus(t, h, first.ID, models.StatusFinished)
	waitStatus(t, h, second.ID, models.StatusFinished)
	if sim, _ := h.store.Get(bg, third.ID); sim.Status != models.StatusNotStarted {
		t.Fatalf("refused run must not change status, got %q", sim.Status)
	}
}

func TestRunAbortedAtShutdownEndsInError(t *testing.T) {
	// Never started, so the queued run can only be aborted.
	pool := worker.NewPool(1, 1, nil)
	h := newHarness(t, pool, nil)
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())
	if _, err := h.coord.Run(ctx, sim.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(stopCtx); err == nil {
		t.Fatalf("expected stop to report aborted jobs")
	}

	got, _ := h.store.Get(ctx, sim.ID)
	if got.Status != models.StatusError {
		t.Fatalf("aborted run should end in Error, got %q", got.Status)
	}
	states := h.events.states(sim.ID)
	if states[len(states)-1] != models.StatusError {
		t.Fatalf("abort should announce Error, got %v", states)
	}
	if err := h.coord.Delete(ctx, sim.ID); err != nil {
		t.Fatalf("aborted run should be deletable: %v", err)
	}
	if len(h.solver.inputs()) != 0 {
		t.Fatalf("aborted run must not reach the solver")
	}
}

func TestRemoveFailureKeepsFinishedResult(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.coord.remove = func(string) error { return errors.New("device busy") }
	ctx := context.Background()
	sim, _ := h.coord.Submit(ctx, params())

	if _, err := h.coord.Run(ctx, sim.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitStatus(t, h, sim.ID, models.StatusFinished)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.events.states(sim.ID)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	states := h.events.states(sim.ID)
	if states[len(states)-1] != models.StatusFinished {
		t.Fatalf("expected Finished to be announced, got %v", states)
	}
	got, _ := h.store.Get(ctx, sim.ID)
	if got.Status != models.StatusFinished || !got.HasArtifact {
		t.Fatalf("result should stay Finished with its artifact, got %+v", got)
	}
}

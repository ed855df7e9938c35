package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ultrasonic-sim/internal/models"
)

// Memory is an in-process store with the same semantics as Store. It backs
// STORE_DRIVER=memory for local runs without Postgres.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]*memoryRow
	now    func() time.Time
}

type memoryRow struct {
	sim     models.Simulation
	content []byte
}

// NewMemory returns an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		rows: make(map[int64]*memoryRow),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(_ context.Context, p models.SimulationParams) (models.Simulation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now()
	sim := models.Simulation{
		ID:               m.nextID,
		SimulationParams: p,
		PlateLength:      p.PlateLength(),
		Status:           models.StatusNotStarted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.TypicalMeshSize != nil {
		mesh := *p.TypicalMeshSize
		sim.TypicalMeshSize = &mesh
	}
	m.rows[sim.ID] = &memoryRow{sim: sim}
	return cloneSimulation(sim), nil
}

func (m *Memory) List(_ context.Context) ([]models.Simulation, error) {
	return m.filter(func(models.Simulation) bool { return true }), nil
}

func (m *Memory) Get(_ context.Context, id int64) (models.Simulation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return models.Simulation{}, ErrNotFound
	}
	return cloneSimulation(row.sim), nil
}

func (m *Memory) ListByPorosity(_ context.Context, porosity float64) ([]models.Simulation, error) {
	return m.filter(func(s models.Simulation) bool { return s.Porosity == porosity }), nil
}

func (m *Memory) ListByDistance(_ context.Context, substr string) ([]models.Simulation, error) {
	return m.filter(func(s models.Simulation) bool {
		return strings.Contains(strconv.FormatFloat(s.SensorDistance, 'f', -1, 64), substr)
	}), nil
}

func (m *Memory) Artifact(_ context.Context, id int64) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return models.Artifact{}, ErrNotFound
	}
	if row.content == nil {
		return models.Artifact{}, ErrNoArtifact
	}
	var filename string
	if row.sim.ResultStep01 != nil {
		filename = *row.sim.ResultStep01
	}
	return models.Artifact{Filename: filename, Content: append([]byte{}, row.content...)}, nil
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if row.sim.Status == models.StatusRunning {
		return ErrAlreadyRunning
	}
	delete(m.rows, id)
	return nil
}

func (m *Memory) MarkRunning(_ context.Context, id int64) (models.Simulation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return models.Simulation{}, ErrNotFound
	}
	if row.sim.Status == models.StatusRunning {
		return models.Simulation{}, ErrAlreadyRunning
	}
	row.sim.Status = models.StatusRunning
	row.sim.UpdatedAt = m.now()
	return cloneSimulation(row.sim), nil
}

func (m *Memory) SetStatus(_ context.Context, id int64, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.sim.Status = status
	row.sim.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetResult(_ context.Context, id int64, r models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	filename := r.Filename
	elapsed := r.Elapsed
	row.sim.ResultStep01 = &filename
	row.sim.Time = &elapsed
	row.sim.Status = r.Status
	row.sim.HasArtifact = r.Content != nil
	row.sim.UpdatedAt = m.now()
	row.content = nil
	if r.Content != nil {
		row.content = append([]byte{}, r.Content...)
	}
	return nil
}

func (m *Memory) CountRunning(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, row := range m.rows {
		if row.sim.Status == models.StatusRunning {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FailRunning(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, row := range m.rows {
		if row.sim.Status == models.StatusRunning {
			row.sim.Status = models.StatusError
			row.sim.UpdatedAt = m.now()
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) Close() {}

func (m *Memory) filter(keep func(models.Simulation) bool) []models.Simulation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Simulation{}
	for _, row := range m.rows {
		if keep(row.sim) {
			out = append(out, cloneSimulation(row.sim))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func cloneSimulation(s models.Simulation) models.Simulation {
	if s.TypicalMeshSize != nil {
		v := *s.TypicalMeshSize
		s.TypicalMeshSize = &v
	}
	if s.ResultStep01 != nil {
		v := *s.ResultStep01
		s.ResultStep01 = &v
	}
	if s.Time != nil {
		v := *s.Time
		s.Time = &v
	}
	return s
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ultrasonic-sim/internal/models"
)

var (
	ErrNotFound       = errors.New("simulation not found")
	ErrAlreadyRunning = errors.New("simulation is running")
	ErrNoArtifact     = errors.New("simulation has no stored artifact")
)

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists simulations in Postgres. Every method is a single statement
// and commits on its own.
type Store struct {
	db DB
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

const simulationColumns = `id, sim_name, n_transmitter, n_receiver, emitters_pitch, receivers_pitch,
	sensor_distance, sensor_edge_margin, typical_mesh_size, plate_thickness, plate_length,
	porosity, attenuation, p_status, result_step_01, "time", image IS NOT NULL, created_at, updated_at`

// Create inserts a simulation at status Not started. plate_length is computed here once.
func (s *Store) Create(ctx context.Context, p models.SimulationParams) (models.Simulation, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO simulation (
			sim_name, n_transmitter, n_receiver, emitters_pitch, receivers_pitch,
			sensor_distance, sensor_edge_margin, typical_mesh_size, plate_thickness,
			plate_length, porosity, attenuation, p_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+simulationColumns,
		p.SimName, p.NTransmitter, p.NReceiver, p.EmittersPitch, p.ReceiversPitch,
		p.SensorDistance, p.SensorEdgeMargin, p.TypicalMeshSize, p.PlateThickness,
		p.PlateLength(), p.Porosity, p.Attenuation, string(models.StatusNotStarted))
	sim, err := scanSimulation(row)
	if err != nil {
		return models.Simulation{}, fmt.Errorf("insert simulation: %w", err)
	}
	return sim, nil
}

// List returns every simulation, newest first.
func (s *Store) List(ctx context.Context) ([]models.Simulation, error) {
	return s.query(ctx, `SELECT `+simulationColumns+` FROM simulation ORDER BY id DESC`)
}

// Get fetches a simulation by id.
func (s *Store) Get(ctx context.Context, id int64) (models.Simulation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+simulationColumns+` FROM simulation WHERE id = $1`, id)
	sim, err := scanSimulation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Simulation{}, ErrNotFound
	}
	if err != nil {
		return models.Simulation{}, fmt.Errorf("scan simulation: %w", err)
	}
	return sim, nil
}

// ListByPorosity returns simulations with exactly this porosity.
func (s *Store) ListByPorosity(ctx context.Context, porosity float64) ([]models.Simulation, error) {
	return s.query(ctx, `SELECT `+simulationColumns+` FROM simulation WHERE porosity = $1 ORDER BY id DESC`, porosity)
}

// ListByDistance returns simulations whose sensor distance, as text, contains substr.
func (s *Store) ListByDistance(ctx context.Context, substr string) ([]models.Simulation, error) {
	return s.query(ctx, `SELECT `+simulationColumns+` FROM simulation
		WHERE CAST(sensor_distance AS TEXT) LIKE '%' || $1::text || '%' ESCAPE '\'
		ORDER BY id DESC`, escapeLike(substr))
}

// Artifact returns the stored artifact of a finished run.
func (s *Store) Artifact(ctx context.Context, id int64) (models.Artifact, error) {
	var content []byte
	var filename pgtype.Text
	err := s.db.QueryRow(ctx, `SELECT image, result_step_01 FROM simulation WHERE id = $1`, id).Scan(&content, &filename)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Artifact{}, ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("query artifact: %w", err)
	}
	if content == nil {
		return models.Artifact{}, ErrNoArtifact
	}
	return models.Artifact{Filename: filename.String, Content: content}, nil
}

// Delete removes a simulation unless it is running.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM simulation WHERE id = $1 AND p_status <> $2`, id, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("delete simulation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrRunning(ctx, id)
	}
	return nil
}

// MarkRunning moves a simulation to Running unless it is already running and
// returns the updated row.
func (s *Store) MarkRunning(ctx context.Context, id int64) (models.Simulation, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE simulation SET p_status = $2, updated_at = NOW()
		WHERE id = $1 AND p_status <> $2
		RETURNING `+simulationColumns, id, string(models.StatusRunning))
	sim, err := scanSimulation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Simulation{}, s.missingOrRunning(ctx, id)
	}
	if err != nil {
		return models.Simulation{}, fmt.Errorf("mark running: %w", err)
	}
	return sim, nil
}

// SetStatus overwrites p_status.
func (s *Store) SetStatus(ctx context.Context, id int64, status models.Status) error {
	tag, err := s.db.Exec(ctx, `UPDATE simulation SET p_status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResult records a finished run: filename, status, elapsed time and artifact bytes.
func (s *Store) SetResult(ctx context.Context, id int64, r models.Result) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE simulation
		SET result_step_01 = $2, p_status = $3, "time" = $4, image = $5, updated_at = NOW()
		WHERE id = $1
	`, id, r.Filename, string(r.Status), r.Elapsed, r.Content)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRunning returns how many simulations are at status Running.
func (s *Store) CountRunning(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM simulation WHERE p_status = $1`, string(models.StatusRunning)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// FailRunning flips every Running simulation to Error and returns their ids.
// Used at startup to release runs orphaned by a crash.
func (s *Store) FailRunning(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE simulation SET p_status = $2, updated_at = NOW()
		WHERE p_status = $1
		RETURNING id
	`, string(models.StatusRunning), string(models.StatusError))
	if err != nil {
		return nil, fmt.Errorf("fail running: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) missingOrRunning(ctx context.Context, id int64) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT p_status FROM simulation WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	// The row exists but did not match, so it was running when the write was attempted.
	return ErrAlreadyRunning
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]models.Simulation, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query simulations: %w", err)
	}
	defer rows.Close()

	out := []models.Simulation{}
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan simulation: %w", err)
		}
		out = append(out, sim)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row scanner) (models.Simulation, error) {
	var sim models.Simulation
	var status string
	var mesh, elapsed pgtype.Float8
	var result pgtype.Text

	err := row.Scan(
		&sim.ID, &sim.SimName, &sim.NTransmitter, &sim.NReceiver, &sim.EmittersPitch, &sim.ReceiversPitch,
		&sim.SensorDistance, &sim.SensorEdgeMargin, &mesh, &sim.PlateThickness, &sim.PlateLength,
		&sim.Porosity, &sim.Attenuation, &status, &result, &elapsed, &sim.HasArtifact, &sim.CreatedAt, &sim.UpdatedAt,
	)
	if err != nil {
		return models.Simulation{}, err
	}
	sim.Status = models.Status(status)
	sim.TypicalMeshSize = floatPtr(mesh)
	sim.Time = floatPtr(elapsed)
	sim.ResultStep01 = textPtr(result)
	return sim, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func floatPtr(f pgtype.Float8) *float64 {
	if f.Valid {
		return &f.Float64
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

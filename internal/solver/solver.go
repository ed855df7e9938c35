// Package solver runs the external finite-element solver for a simulation.
package solver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"ultrasonic-sim/internal/models"
)

var (
	ErrNotConfigured = errors.New("solver command not configured")
	ErrFailed        = errors.New("solver failed")
	ErrBadOutput     = errors.New("solver output not understood")
)

// Variant selects the numerical formulation.
type Variant string

const (
	TimeDomain      Variant = "time-domain"
	FrequencyDomain Variant = "frequency-domain"
)

// VariantFor maps the attenuation flag to a solver variant.
func VariantFor(attenuation int) Variant {
	if attenuation != 0 {
		return FrequencyDomain
	}
	return TimeDomain
}

// Input is everything the solver receives for one run. Discriminator is
// passed through so concurrent runs write distinct artifact files.
type Input struct {
	Params        models.SimulationParams
	PlateLength   float64
	Discriminator int64
}

// Result names the artifact written to the working directory and how long the solver took.
type Result struct {
	Filename string
	Elapsed  float64
}

// Exec runs the solver as a child process.
type Exec struct {
	TimeDomainCmd      []string
	FrequencyDomainCmd []string
	WorkDir            string
	Logger             logrus.FieldLogger
}

// Invoke runs the variant selected by the attenuation flag and parses its
// result line. Errors from the process are returned unchanged apart from wrapping.
func (e *Exec) Invoke(ctx context.Context, in Input) (Result, error) {
	variant := VariantFor(in.Params.Attenuation)
	command := e.command(variant)
	if len(command) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNotConfigured, variant)
	}

	args := append(append([]string{}, command[1:]...), Args(in)...)
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(), "SOLVER_OUTPUT_DIR="+e.WorkDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := e.logger().WithFields(logrus.Fields{"simulation_id": in.Discriminator, "variant": variant})
	log.Debug("starting solver")

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v: %s", ErrFailed, variant, err, tail(stderr.String(), 512))
	}

	res, err := ParseOutput(stdout.String())
	if err != nil {
		return Result{}, err
	}
	log.WithFields(logrus.Fields{"filename": res.Filename, "elapsed": res.Elapsed}).Debug("solver finished")
	return res, nil
}

func (e *Exec) command(v Variant) []string {
	if v == FrequencyDomain {
		return e.FrequencyDomainCmd
	}
	return e.TimeDomainCmd
}

func (e *Exec) logger() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}

// Args renders the positional argument list expected by the solver scripts:
// n_transmitter n_receiver sensor_distance emitters_pitch receivers_pitch
// sensor_edge_margin typical_mesh_size plate_thickness plate_length material
// porosity attenuation id. The material slot is always "none".
func Args(in Input) []string {
	p := in.Params
	mesh := "none"
	if p.TypicalMeshSize != nil {
		mesh = formatFloat(*p.TypicalMeshSize)
	}
	return []string{
		strconv.Itoa(p.NTransmitter),
		strconv.Itoa(p.NReceiver),
		formatFloat(p.SensorDistance),
		formatFloat(p.EmittersPitch),
		formatFloat(p.ReceiversPitch),
		formatFloat(p.SensorEdgeMargin),
		mesh,
		formatFloat(p.PlateThickness),
		formatFloat(in.PlateLength),
		"none",
		formatFloat(p.Porosity),
		strconv.Itoa(p.Attenuation),
		strconv.FormatInt(in.Discriminator, 10),
	}
}

// ParseOutput reads "<filename> <elapsed-seconds>" from the last non-empty line.
func ParseOutput(out string) (Result, error) {
	var last string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	fields := strings.Fields(last)
	if len(fields) != 2 {
		return Result{}, fmt.Errorf("%w: last line %q", ErrBadOutput, last)
	}
	name := fields[0]
	if name != filepath.Base(name) || name == "." || name == ".." {
		return Result{}, fmt.Errorf("%w: filename %q is not a bare file name", ErrBadOutput, name)
	}
	elapsed, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: elapsed %q: %v", ErrBadOutput, fields[1], err)
	}
	return Result{Filename: name, Elapsed: elapsed}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

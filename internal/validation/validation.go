// Package validation checks the kinds of submitted simulation parameters.
//
// Values are never coerced: a count sent as 4.0 or "4" is rejected, not cast.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"ultrasonic-sim/internal/models"
)

// Kind is the JSON kind observed for a parameter.
type Kind string

const (
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindString  Kind = "string"
	KindBoolean Kind = "boolean"
	KindNull    Kind = "null"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindMissing Kind = "missing"
	KindInvalid Kind = "invalid"
)

type fieldRule struct {
	name    string
	allowed []Kind
}

var (
	integerOnly  = []Kind{KindInteger}
	integerOrNum = []Kind{KindInteger, KindNumber}
)

// numericRules are checked in order; the first violation is reported.
var numericRules = []fieldRule{
	{"n_transmitter", integerOnly},
	{"n_receiver", integerOnly},
	{"emitters_pitch", integerOrNum},
	{"receivers_pitch", integerOrNum},
	{"sensor_edge_margin", integerOrNum},
	{"sensor_distance", integerOrNum},
	{"plate_thickness", integerOrNum},
	{"porosity", integerOrNum},
}

// KindError reports the first parameter whose kind was not accepted.
type KindError struct {
	Field    string
	Observed Kind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("Error in data type: %s <%s>", e.Field, e.Observed)
}

// KindOf classifies a raw JSON value.
func KindOf(raw json.RawMessage) Kind {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return KindMissing
	}
	switch raw[0] {
	case '"':
		return KindString
	case 't', 'f':
		return KindBoolean
	case 'n':
		return KindNull
	case '[':
		return KindArray
	case '{':
		return KindObject
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return KindInvalid
	}
	if strings.ContainsAny(n.String(), ".eE") {
		return KindNumber
	}
	return KindInteger
}

// ValidateKinds checks the numeric simulation parameters. It returns true when
// every parameter has an accepted kind, otherwise false with the offending
// parameter name and the kind that was observed.
func ValidateKinds(fields map[string]json.RawMessage) (bool, string, Kind) {
	for _, rule := range numericRules {
		kind := KindOf(fields[rule.name])
		if !kindAllowed(kind, rule.allowed) {
			return false, rule.name, kind
		}
	}
	return true, "", ""
}

func kindAllowed(k Kind, allowed []Kind) bool {
	for _, a := range allowed {
		if k == a {
			return true
		}
	}
	return false
}

// submission holds the raw request fields so presence can be checked before kinds.
type submission struct {
	SimName          json.RawMessage `json:"sim_name" validate:"required"`
	NTransmitter     json.RawMessage `json:"n_transmitter" validate:"required"`
	NReceiver        json.RawMessage `json:"n_receiver" validate:"required"`
	EmittersPitch    json.RawMessage `json:"emitters_pitch" validate:"required"`
	ReceiversPitch   json.RawMessage `json:"receivers_pitch" validate:"required"`
	SensorDistance   json.RawMessage `json:"sensor_distance" validate:"required"`
	SensorEdgeMargin json.RawMessage `json:"sensor_edge_margin" validate:"required"`
	TypicalMeshSize  json.RawMessage `json:"typical_mesh_size"`
	PlateThickness   json.RawMessage `json:"plate_thickness" validate:"required"`
	Porosity         json.RawMessage `json:"porosity" validate:"required"`
	Attenuation      json.RawMessage `json:"attenuation" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrMalformedBody is returned when the request body is not a JSON object.
var ErrMalformedBody = errors.New("request body must be a JSON object")

// Decode turns a submission body into typed parameters. Missing or wrongly
// typed fields yield a *KindError.
func Decode(body []byte) (models.SimulationParams, error) {
	var params models.SimulationParams

	var sub submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return params, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if err := validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return params, &KindError{Field: verrs[0].Field(), Observed: KindMissing}
		}
		return params, err
	}

	fields := map[string]json.RawMessage{
		"n_transmitter":      sub.NTransmitter,
		"n_receiver":         sub.NReceiver,
		"emitters_pitch":     sub.EmittersPitch,
		"receivers_pitch":    sub.ReceiversPitch,
		"sensor_edge_margin": sub.SensorEdgeMargin,
		"sensor_distance":    sub.SensorDistance,
		"plate_thickness":    sub.PlateThickness,
		"porosity":           sub.Porosity,
	}
	if ok, field, kind := ValidateKinds(fields); !ok {
		return params, &KindError{Field: field, Observed: kind}
	}

	if k := KindOf(sub.SimName); k != KindString {
		return params, &KindError{Field: "sim_name", Observed: k}
	}
	if k := KindOf(sub.Attenuation); k != KindInteger && k != KindBoolean {
		return params, &KindError{Field: "attenuation", Observed: k}
	}
	if k := KindOf(sub.TypicalMeshSize); k != KindMissing && k != KindNull && k != KindInteger && k != KindNumber {
		return params, &KindError{Field: "typical_mesh_size", Observed: k}
	}

	decode := []struct {
		raw json.RawMessage
		dst any
	}{
		{sub.SimName, &params.SimName},
		{sub.NTransmitter, &params.NTransmitter},
		{sub.NReceiver, &params.NReceiver},
		{sub.EmittersPitch, &params.EmittersPitch},
		{sub.ReceiversPitch, &params.ReceiversPitch},
		{sub.SensorDistance, &params.SensorDistance},
		{sub.SensorEdgeMargin, &params.SensorEdgeMargin},
		{sub.PlateThickness, &params.PlateThickness},
		{sub.Porosity, &params.Porosity},
	}
	for _, d := range decode {
		if err := json.Unmarshal(d.raw, d.dst); err != nil {
			return params, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
	}

	if KindOf(sub.TypicalMeshSize) == KindInteger || KindOf(sub.TypicalMeshSize) == KindNumber {
		var mesh float64
		if err := json.Unmarshal(sub.TypicalMeshSize, &mesh); err != nil {
			return params, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		params.TypicalMeshSize = &mesh
	}

	if KindOf(sub.Attenuation) == KindBoolean {
		var on bool
		_ = json.Unmarshal(sub.Attenuation, &on)
		if on {
			params.Attenuation = 1
		}
	} else if err := json.Unmarshal(sub.Attenuation, &params.Attenuation); err != nil {
		return params, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	return params, nil
}

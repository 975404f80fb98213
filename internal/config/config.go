// Package config handles loading, defaulting, and validation of the Pulse
// Engine TOML configuration. The same file drives the batch optimizer, the
// daemon, and the mission bodies submitted to the daemon as jobs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/large-farva/pulse-engine/internal/pulse"
	"github.com/large-farva/pulse-engine/internal/timing"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Mission models.
const (
	ModelScanning  = "scanning"
	ModelFixedLook = "fixed_look"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Logging LoggingConfig  `toml:"logging" json:"logging"`
	Search  SearchConfig   `toml:"search"  json:"search"`
	Mission MissionConfig  `toml:"mission" json:"mission"`
	Orbit   OrbitConfig    `toml:"orbit"   json:"orbit"`
	Export  ExportConfig   `toml:"export"  json:"export"`
	Beams   []BeamConfig   `toml:"beam"    json:"beams,omitempty"`
	Pulsers []PulserConfig `toml:"pulser"  json:"pulsers,omitempty"`
	Server  ServerConfig   `toml:"server"  json:"server"`
	Tracing TracingConfig  `toml:"tracing" json:"tracing"`
}

type LoggingConfig struct {
	Level  string `toml:"level"  json:"level"`
	Format string `toml:"format" json:"format"`
}

type SearchConfig struct {
	// Workers evaluating trials; 0 means one per CPU.
	Workers int `toml:"workers" json:"workers"`
	// Policy overrides the model's default overlap policy when set.
	Policy string `toml:"policy" json:"policy"`
}

type MissionConfig struct {
	Name       string  `toml:"name"        json:"name"`
	Model      string  `toml:"model"       json:"model"`
	AltitudeKm float64 `toml:"altitude_km" json:"altitude_km"`
}

// OrbitConfig points at a TLE whose propagated altitude replaces
// mission.altitude_km.
type OrbitConfig struct {
	TLEFile string `toml:"tle_file" json:"tle_file"`
	NoradID int    `toml:"norad_id" json:"norad_id"`
	Epoch   string `toml:"epoch"    json:"epoch"`
}

type ExportConfig struct {
	Units string `toml:"units" json:"units"`
	Path  string `toml:"path"  json:"path"`
}

type ServerConfig struct {
	Bind    string `toml:"bind"     json:"bind"`
	MaxJobs int    `toml:"max_jobs" json:"max_jobs"`
	// TLEDir is the only place submitted missions may read orbit.tle_file
	// from. Empty refuses TLE-based missions.
	TLEDir string `toml:"tle_dir" json:"tle_dir"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled"      json:"enabled"`
	Exporter    string  `toml:"exporter"     json:"exporter"`
	Endpoint    string  `toml:"endpoint"     json:"endpoint"`
	Insecure    bool    `toml:"insecure"     json:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio"`
}

// Param is a timing parameter in seconds. With Step > 0 it is swept from
// Min (default Value) to Max (default: no ceiling); otherwise it is fixed
// at Value.
type Param struct {
	Value float64  `toml:"value" json:"value"`
	Min   *float64 `toml:"min"   json:"min,omitempty"`
	Max   *float64 `toml:"max"   json:"max,omitempty"`
	Step  float64  `toml:"step"  json:"step,omitempty"`
}

// Range converts p to a timing.Range. A swept range without a ceiling has
// Max == 0.
func (p Param) Range() timing.Range {
	if p.Step <= 0 {
		return timing.Fixed(p.Value)
	}
	r := timing.Range{Current: p.Value, Min: p.Value, Step: p.Step}
	if p.Min != nil {
		r.Min, r.Current = *p.Min, *p.Min
	}
	if p.Max != nil {
		r.Max = *p.Max
	}
	return r
}

func (p Param) validate() error {
	switch {
	case p.Step < 0:
		return errors.New("step must be >= 0")
	case p.Value < 0:
		return errors.New("value must be >= 0")
	case p.Step == 0:
		return nil
	}
	r := p.Range()
	if r.Min < 0 {
		return errors.New("min must be >= 0")
	}
	if p.Max != nil && r.Max < r.Min {
		return fmt.Errorf("max %g below min %g", r.Max, r.Min)
	}
	return nil
}

// BeamConfig describes one beam of the scanning model. Angles are degrees
// off nadir, times seconds.
type BeamConfig struct {
	ID             int     `toml:"id"               json:"id"`
	LookAngleDeg   float64 `toml:"look_angle_deg"   json:"look_angle_deg"`
	BeamWidthDeg   float64 `toml:"beam_width_deg"   json:"beam_width_deg"`
	AngleBufferDeg float64 `toml:"angle_buffer_deg" json:"angle_buffer_deg"`
	TimeBufferS    float64 `toml:"time_buffer_s"    json:"time_buffer_s"`
	PulsesInFlight int     `toml:"pulses_in_flight" json:"pulses_in_flight"`
	PRI            Param   `toml:"pri"              json:"pri"`
	PulseWidth     Param   `toml:"pulse_width"      json:"pulse_width"`
	Offset         Param   `toml:"offset"           json:"offset"`
}

// PulserConfig describes one pulser of the fixed-look model.
type PulserConfig struct {
	BeamConfig
	NadirLookAngleDeg float64 `toml:"nadir_look_angle_deg" json:"nadir_look_angle_deg"`
	NadirBeamWidthDeg float64 `toml:"nadir_beam_width_deg" json:"nadir_beam_width_deg"`
}

// Altitude is mission.altitude_km in metres.
func (c Config) Altitude() float64 { return c.Mission.AltitudeKm * 1e3 }

// EpochTime parses orbit.epoch. The zero time means "use the TLE epoch".
func (o OrbitConfig) EpochTime() (time.Time, error) {
	if o.Epoch == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, o.Epoch)
}

// Default returns a Config populated with defaults. Values here are used
// whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Search: SearchConfig{
			Workers: 0,
		},
		Mission: MissionConfig{
			Model:      ModelScanning,
			AltitudeKm: 800,
		},
		Export: ExportConfig{
			Units: string(pulse.Microseconds),
		},
		Server: ServerConfig{
			Bind:    "0.0.0.0:8080",
			MaxJobs: 64,
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	return Parse(b)
}

// Parse is Load for an in-memory document. Unknown keys are rejected so a
// misspelt parameter cannot silently fall back to its default.
func Parse(b []byte) (Config, error) {
	cfg := Default()

	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadServer reads a daemon configuration. Missions arrive with each job,
// so the mission sections are optional and only checked when present. An
// empty path yields the defaults.
func LoadServer(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Beams) > 0 || len(cfg.Pulsers) > 0 {
		return cfg, validate(cfg)
	}
	return cfg, validateAmbient(cfg)
}

// Validate checks a Config built in code.
func Validate(cfg Config) error { return validate(cfg) }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validate(cfg Config) error {
	if err := validateAmbient(cfg); err != nil {
		return err
	}
	return validateMission(cfg)
}

// validateAmbient checks everything but the mission itself.
func validateAmbient(cfg Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level must be one of debug, info, warn, error")
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return invalid("logging.format must be text or json")
	}
	if cfg.Search.Workers < 0 {
		return invalid("search.workers must be >= 0")
	}
	if cfg.Search.Policy != "" {
		if _, err := pulse.ParsePolicy(cfg.Search.Policy); err != nil {
			return invalid("search.policy: %v", err)
		}
	}
	if _, err := pulse.ParseUnits(cfg.Export.Units); err != nil {
		return invalid("export.units: %v", err)
	}
	if cfg.Server.MaxJobs < 1 {
		return invalid("server.max_jobs must be >= 1")
	}
	if cfg.Tracing.Exporter != "stdout" && cfg.Tracing.Exporter != "otlp" {
		return invalid("tracing.exporter must be stdout or otlp")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return invalid("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

func validateMission(cfg Config) error {
	if cfg.Orbit.TLEFile == "" && cfg.Mission.AltitudeKm <= 0 {
		return invalid("mission.altitude_km must be > 0 when no orbit.tle_file is given")
	}
	if _, err := cfg.Orbit.EpochTime(); err != nil {
		return invalid("orbit.epoch must be RFC3339: %v", err)
	}

	switch cfg.Mission.Model {
	case ModelScanning:
		if len(cfg.Beams) == 0 {
			return invalid("scanning model needs at least one [[beam]]")
		}
		for i, b := range cfg.Beams {
			if err := validateBeam(b); err != nil {
				return invalid("beam[%d]: %v", i, err)
			}
		}
	case ModelFixedLook:
		if len(cfg.Pulsers) == 0 {
			return invalid("fixed_look model needs at least one [[pulser]]")
		}
		for i, p := range cfg.Pulsers {
			if err := validateBeam(p.BeamConfig); err != nil {
				return invalid("pulser[%d]: %v", i, err)
			}
			if p.NadirBeamWidthDeg < 0 || p.NadirLookAngleDeg < 0 || p.NadirLookAngleDeg >= 90 {
				return invalid("pulser[%d]: nadir angles must lie in [0, 90)", i)
			}
		}
	default:
		return invalid("mission.model must be %q or %q", ModelScanning, ModelFixedLook)
	}
	return nil
}

func validateBeam(b BeamConfig) error {
	if b.LookAngleDeg < 0 || b.LookAngleDeg >= 90 {
		return errors.New("look_angle_deg must lie in [0, 90)")
	}
	if b.BeamWidthDeg <= 0 {
		return errors.New("beam_width_deg must be > 0")
	}
	if b.AngleBufferDeg < 0 || b.TimeBufferS < 0 {
		return errors.New("buffers must be >= 0")
	}
	if b.PulsesInFlight < 1 {
		return errors.New("pulses_in_flight must be >= 1")
	}
	for _, p := range []struct {
		name string
		p    Param
	}{{"pri", b.PRI}, {"pulse_width", b.PulseWidth}, {"offset", b.Offset}} {
		if err := p.p.validate(); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	if b.PRI.Step == 0 && b.PRI.Value <= 0 {
		return errors.New("pri: a fixed value must be > 0")
	}
	if b.PulseWidth.Step == 0 && b.PulseWidth.Value <= 0 {
		return errors.New("pulse_width: a fixed value must be > 0")
	}
	if b.PRI.Step > 0 && b.PRI.Max == nil && b.PulsesInFlight == 1 {
		return errors.New("pri: a swept PRI with one pulse in flight needs max")
	}
	if math.IsNaN(b.PRI.Value + b.PulseWidth.Value + b.Offset.Value) {
		return errors.New("timing values must be numbers")
	}
	return nil
}

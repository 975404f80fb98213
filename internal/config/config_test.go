package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/large-farva/pulse-engine/internal/timing"
)

const minimal = `
[mission]
altitude_km = 750

[[beam]]
look_angle_deg = 40
beam_width_deg = 1.5
pulses_in_flight = 2
pri = { min = 1e-3, max = 3e-3, step = 1e-4 }
pulse_width = { value = 1e-4 }
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mission.Model != ModelScanning || cfg.Altitude() != 750e3 {
		t.Errorf("mission = %+v", cfg.Mission)
	}
	if cfg.Logging.Level != "info" || cfg.Server.MaxJobs != 64 || cfg.Export.Units != "us" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Beams) != 1 {
		t.Fatalf("beams = %d", len(cfg.Beams))
	}
	b := cfg.Beams[0]
	if got, want := b.PRI.Range(), (timing.Range{Current: 1e-3, Min: 1e-3, Max: 3e-3, Step: 1e-4}); got != want {
		t.Errorf("pri range = %+v, want %+v", got, want)
	}
	if got := b.PulseWidth.Range(); got != timing.Fixed(1e-4) {
		t.Errorf("pulse width range = %+v", got)
	}
}

func TestParam_Range(t *testing.T) {
	five := 5.0
	tests := []struct {
		name string
		p    Param
		want timing.Range
	}{
		{"fixed", Param{Value: 2}, timing.Fixed(2)},
		{"min defaults to value", Param{Value: 3, Step: 1, Max: &five}, timing.Range{Current: 3, Min: 3, Max: 5, Step: 1}},
		{"no ceiling", Param{Value: 1, Step: 0.5}, timing.Range{Current: 1, Min: 1, Step: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Range(); got != tt.want {
				t.Errorf("Range() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown model", `[mission]
model = "pendulum"` + beamBlock, "mission.model"},
		{"no beams", `[mission]
altitude_km = 800`, "at least one [[beam]]"},
		{"no pulsers", `[mission]
model = "fixed_look"`, "at least one [[pulser]]"},
		{"bad level", "[logging]\nlevel = \"loud\"\n" + beamBlock, "logging.level"},
		{"bad policy", "[search]\npolicy = \"lenient\"\n" + beamBlock, "search.policy"},
		{"bad units", "[export]\nunits = \"furlongs\"\n" + beamBlock, "export.units"},
		{"zero altitude", "[mission]\naltitude_km = 0\n" + beamBlock, "altitude_km"},
		{"bad epoch", "[orbit]\nepoch = \"yesterday\"\n" + beamBlock, "orbit.epoch"},
		{"bad ratio", "[tracing]\nsample_ratio = 2.0\n" + beamBlock, "sample_ratio"},
		{"max below min", `
[[beam]]
look_angle_deg = 40
beam_width_deg = 1.5
pulses_in_flight = 2
pri = { min = 3e-3, max = 1e-3, step = 1e-4 }
pulse_width = { value = 1e-4 }`, "beam[0]: pri: max"},
		{"unbounded single pulse", `
[[beam]]
look_angle_deg = 40
beam_width_deg = 1.5
pulses_in_flight = 1
pri = { min = 1e-3, step = 1e-4 }
pulse_width = { value = 1e-4 }`, "needs max"},
		{"zero pulse width", `
[[beam]]
look_angle_deg = 40
beam_width_deg = 1.5
pulses_in_flight = 2
pri = { value = 2e-3 }
pulse_width = { value = 0 }`, "pulse_width"},
		{"horizon", `
[[beam]]
look_angle_deg = 95
beam_width_deg = 1.5
pulses_in_flight = 2
pri = { value = 2e-3 }
pulse_width = { value = 1e-4 }`, "look_angle_deg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

const beamBlock = `
[[beam]]
look_angle_deg = 40
beam_width_deg = 1.5
pulses_in_flight = 2
pri = { value = 2e-3 }
pulse_width = { value = 1e-4 }
`

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte(minimal + "\n[mission.extra]\nfoo = 1\n"))
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want a decode error", err)
	}
	_, err = Parse([]byte(strings.Replace(minimal, "look_angle_deg", "look_angel_deg", 1)))
	if err == nil {
		t.Error("misspelt key should be rejected")
	}
}

func TestLoad_Examples(t *testing.T) {
	for _, name := range []string{"scanning.example.toml", "fixed_look.example.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(filepath.Join("..", "..", "configs", name))
			if err != nil {
				t.Fatal(err)
			}
			switch cfg.Mission.Model {
			case ModelScanning:
				if len(cfg.Beams) != 2 {
					t.Errorf("beams = %d", len(cfg.Beams))
				}
			case ModelFixedLook:
				if len(cfg.Pulsers) != 2 || cfg.Pulsers[1].NadirBeamWidthDeg != 1 || cfg.Pulsers[1].Offset.Step != 2.5e-4 {
					t.Errorf("pulsers = %+v", cfg.Pulsers)
				}
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestOrbitConfig_EpochTime(t *testing.T) {
	ts, err := OrbitConfig{Epoch: "2025-05-18T12:00:00Z"}.EpochTime()
	if err != nil || ts.Hour() != 12 {
		t.Errorf("EpochTime = %v, %v", ts, err)
	}
	if ts, err := (OrbitConfig{}).EpochTime(); err != nil || !ts.IsZero() {
		t.Errorf("empty epoch = %v, %v", ts, err)
	}
}

func TestLoadServer(t *testing.T) {
	cfg, err := LoadServer(filepath.Join("..", "..", "configs", "pulsed.example.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Format != "json" || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.SampleRatio != 0.25 {
		t.Errorf("cfg = %+v", cfg)
	}

	if cfg, err := LoadServer(""); err != nil || cfg.Server.Bind != "0.0.0.0:8080" {
		t.Errorf("empty path = %+v, %v", cfg.Server, err)
	}

	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[server]\nmax_jobs = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadServer(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

package scanning

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/large-farva/pulse-engine/internal/geometry"
	"github.com/large-farva/pulse-engine/internal/pulse"
	"github.com/large-farva/pulse-engine/internal/search"
	"github.com/large-farva/pulse-engine/internal/timing"
)

func swept(min, max, step float64) timing.Range {
	return timing.Range{Current: min, Min: min, Max: max, Step: step}
}

func newBeam(id int, rttMin, rttMax float64, cfg BeamConfig) *Beam {
	b := NewBeam(id, cfg)
	b.SetRoundTrip(rttMin, rttMax)
	return b
}

func TestSearch_SingleBeamPicksShortestFeasiblePRI(t *testing.T) {
	b := newBeam(0, 5, 8, BeamConfig{
		PulsesInFlight: 2,
		PRI:            swept(10, 20, 5),
		PulseWidth:     timing.Fixed(2),
	})
	c, err := NewControl(0, []*Beam{b})
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Search(context.Background())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.Feasible || res.DutyFactor != 0.2 {
		t.Fatalf("result = %+v, want feasible with duty 0.2", res)
	}
	want := []timing.Setting{{Owner: 0, PRI: 10, PulseWidth: 2}}
	if !reflect.DeepEqual(res.Best, want) {
		t.Errorf("Best = %+v, want %+v", res.Best, want)
	}
	if res.Stats.Combinations != 3 || res.Stats.FeasibleTrials != 3 {
		t.Errorf("Stats = %+v, want 3 combinations all feasible", res.Stats)
	}
}

func TestSearch_EchoesFillingThePRIAreInfeasible(t *testing.T) {
	// Each echo spans [2, 10) of a 10-long PRI, so the second beam's
	// transmit at offset 5 always lands inside the first beam's echo.
	cfg := BeamConfig{PulsesInFlight: 2, PRI: swept(10, 20, 5), PulseWidth: timing.Fixed(2)}
	b0 := newBeam(0, 2, 8, cfg)
	cfg.Offset = 5
	b1 := newBeam(1, 2, 8, cfg)

	for _, policy := range []pulse.Policy{pulse.PolicyTransmitEcho, pulse.PolicySymmetric} {
		t.Run(policy.String(), func(t *testing.T) {
			c, _ := NewControl(0, []*Beam{b0, b1}, WithPolicy(policy))
			res, err := c.Search(context.Background())
			if !errors.Is(err, timing.ErrInfeasible) {
				t.Fatalf("err = %v, want ErrInfeasible", err)
			}
			if !errors.Is(err, pulse.ErrConflict) {
				t.Errorf("err = %v, should carry the last conflict", err)
			}
			if res.Feasible || res.Best != nil {
				t.Errorf("result = %+v, want infeasible", res)
			}
			if res.Stats.Combinations != 9 || res.Stats.LastConflict == "" {
				t.Errorf("Stats = %+v", res.Stats)
			}
		})
	}
}

func TestSearch_PolicyDiscrepancyOnSimultaneousTransmit(t *testing.T) {
	cfg := BeamConfig{PulsesInFlight: 2, PRI: timing.Fixed(10), PulseWidth: timing.Fixed(2)}
	run := func(policy pulse.Policy) (timing.Result, error) {
		beams := []*Beam{newBeam(0, 2, 8, cfg), newBeam(1, 2, 8, cfg)}
		c, _ := NewControl(0, beams, WithPolicy(policy))
		return c.Search(context.Background())
	}

	res, err := run(pulse.PolicyTransmitEcho)
	if err != nil || res.DutyFactor != 0.2 {
		t.Errorf("transmit_echo: res=%+v err=%v, want feasible at 0.2", res, err)
	}

	_, err = run(pulse.PolicySymmetric)
	var conflict *pulse.Conflict
	if !errors.As(err, &conflict) || conflict.Kind != "transmit/transmit" {
		t.Errorf("symmetric: err = %v, want a transmit/transmit conflict", err)
	}
}

func TestSearch_DeterministicAcrossWorkers(t *testing.T) {
	build := func(workers int) *Control {
		beams := []*Beam{
			newBeam(0, 5, 8, BeamConfig{PulsesInFlight: 2, PRI: swept(4, 12, 1), PulseWidth: swept(0.5, 3, 0.5)}),
			newBeam(1, 6, 9, BeamConfig{PulsesInFlight: 2, PRI: swept(4, 12, 1), PulseWidth: timing.Fixed(1), Offset: 3}),
		}
		c, _ := NewControl(0, beams, WithWorkers(workers))
		return c
	}

	want, wantErr := build(1).Search(context.Background())
	for _, workers := range []int{2, 4, 8} {
		got, err := build(workers).Search(context.Background())
		if (err == nil) != (wantErr == nil) {
			t.Fatalf("workers=%d: err %v, sequential err %v", workers, err, wantErr)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("workers=%d: %+v, sequential %+v", workers, got, want)
		}
	}
}

func TestSearch_ProgressIsMonotonic(t *testing.T) {
	b := newBeam(0, 5, 8, BeamConfig{PulsesInFlight: 2, PRI: swept(4, 20, 1), PulseWidth: swept(0.5, 4, 0.5)})
	var seen []search.Progress
	c, _ := NewControl(0, []*Beam{b}, WithProgress(func(p search.Progress) { seen = append(seen, p) }))

	res, err := c.Search(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != res.Stats.Combinations {
		t.Fatalf("%d progress reports for %d combinations", len(seen), res.Stats.Combinations)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].BestScore < seen[i-1].BestScore {
			t.Fatalf("best score dropped at %d: %v -> %v", i, seen[i-1].BestScore, seen[i].BestScore)
		}
	}
	if last := seen[len(seen)-1].BestScore; last != res.DutyFactor {
		t.Errorf("final progress %v, result %v", last, res.DutyFactor)
	}
}

func TestSearch_BestScheduleHasNoTransmitInEcho(t *testing.T) {
	beams := []*Beam{
		newBeam(0, 5, 8, BeamConfig{PulsesInFlight: 2, PRI: swept(4, 16, 1), PulseWidth: swept(0.5, 2, 0.5)}),
		newBeam(1, 5, 8, BeamConfig{PulsesInFlight: 2, PRI: swept(4, 16, 1), PulseWidth: swept(0.5, 2, 0.5), Offset: 4}),
	}
	c, _ := NewControl(0, beams, WithPolicy(pulse.PolicySymmetric))
	res, err := c.Search(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	list := pulse.NewList(pulse.PolicyTransmitEcho)
	for _, b := range beams {
		s, _ := res.Lookup(b.ID())
		b.Recall(s)
		if err := b.GeneratePulses(b.PulsesInFlight()+2, list, false); err != nil {
			t.Fatal(err)
		}
	}
	ws := list.Windows()
	for i, p := range ws {
		for j, q := range ws {
			if i == j {
				continue
			}
			if p.StartTransmit < q.EndEcho && q.StartEcho < p.EndTransmit {
				t.Errorf("transmit %v overlaps echo %v", p, q)
			}
			if p.StartTransmit < q.EndTransmit && q.StartTransmit < p.EndTransmit {
				t.Errorf("transmit %v overlaps transmit %v", p, q)
			}
		}
	}
}

func TestSearch_Cancelled(t *testing.T) {
	b := newBeam(0, 5, 8, BeamConfig{PulsesInFlight: 2, PRI: swept(4, 20, 0.01), PulseWidth: swept(0.01, 4, 0.01)})
	c, _ := NewControl(0, []*Beam{b}, WithWorkers(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Search(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSearch_EmptyRangeIsInfeasible(t *testing.T) {
	// rttMax/inFlight = 8 is above the configured PRI ceiling of 6.
	b := newBeam(0, 5, 16, BeamConfig{PulsesInFlight: 2, PRI: swept(2, 6, 1), PulseWidth: timing.Fixed(1)})
	c, _ := NewControl(0, []*Beam{b})
	res, err := c.Search(context.Background())
	if !errors.Is(err, timing.ErrInfeasible) || !strings.Contains(res.Stats.LastConflict, "empty sweep") {
		t.Errorf("res=%+v err=%v", res, err)
	}
}

func TestNewControl_NoBeams(t *testing.T) {
	if _, err := NewControl(800e3, nil); !errors.Is(err, ErrNoBeams) {
		t.Errorf("err = %v, want ErrNoBeams", err)
	}
}

func TestBeam_BufferedBoundsContainBareBounds(t *testing.T) {
	b := NewBeam(0, BeamConfig{
		LookAngle:   geometry.Radians(40),
		BeamWidth:   geometry.Radians(1.5),
		AngleBuffer: geometry.Radians(0.2),
		TimeBuffer:  5e-6,
	})
	if err := b.NoBuffer(800e3); err != nil {
		t.Fatal(err)
	}
	bareMin, bareMax := b.RoundTrip()
	if err := b.FullBuffer(800e3); err != nil {
		t.Fatal(err)
	}
	fullMin, fullMax := b.RoundTrip()

	if !(fullMin < bareMin-5e-6 && fullMax > bareMax+5e-6) {
		t.Errorf("buffered [%g, %g] should strictly contain bare [%g, %g] plus the time buffer",
			fullMin, fullMax, bareMin, bareMax)
	}
	if bareMin < 6e-3 || bareMax > 8e-3 {
		t.Errorf("bare bounds [%g, %g] outside the expected 6-8 ms", bareMin, bareMax)
	}
}

func TestBeam_BeyondHorizon(t *testing.T) {
	b := NewBeam(2, BeamConfig{LookAngle: geometry.Radians(80), BeamWidth: geometry.Radians(2)})
	if err := b.FullBuffer(800e3); err == nil || !strings.Contains(err.Error(), "horizon") {
		t.Errorf("err = %v, want a horizon error", err)
	}
}

func TestBeam_SetRangesNeedsACeilingForOnePulseInFlight(t *testing.T) {
	b := newBeam(0, 5, 8, BeamConfig{PulsesInFlight: 1, PRI: timing.Range{Min: 1, Step: 1}, PulseWidth: timing.Fixed(1)})
	if err := b.SetRanges(); err == nil {
		t.Error("SetRanges should refuse an unbounded PRI sweep")
	}
}

func TestBeam_NextComboOdometer(t *testing.T) {
	b := newBeam(0, 5, 8, BeamConfig{PulsesInFlight: 2, PRI: swept(10, 15, 5), PulseWidth: swept(1, 2, 1)})
	if err := b.SetRanges(); err != nil {
		t.Fatal(err)
	}
	var got []timing.Setting
	for {
		got = append(got, b.Snapshot())
		if !b.NextCombo() {
			break
		}
	}
	want := []timing.Setting{
		{PRI: 10, PulseWidth: 1}, {PRI: 15, PulseWidth: 1},
		{PRI: 10, PulseWidth: 2}, {PRI: 15, PulseWidth: 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("combos = %+v, want %+v", got, want)
	}
	if s := b.Snapshot(); s.PRI != 10 || s.PulseWidth != 1 {
		t.Errorf("after wrap = %+v, want first combo", s)
	}
}

func TestControl_WriteSample(t *testing.T) {
	b := NewBeam(0, BeamConfig{
		LookAngle:      geometry.Radians(40),
		BeamWidth:      geometry.Radians(1.5),
		PulsesInFlight: 3,
		PRI:            timing.Fixed(2.5e-3),
		PulseWidth:     timing.Fixed(1e-4),
	})
	c, _ := NewControl(800e3, []*Beam{b})
	path := filepath.Join(t.TempDir(), "sample.xmgr")
	best := []timing.Setting{{Owner: 0, PRI: 2.5e-3, PulseWidth: 1e-4}}
	if err := c.WriteSample(path, best, pulse.Milliseconds); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "# pulse timing") || strings.Count(text, "&") != 2 {
		t.Errorf("unexpected plot:\n%s", text)
	}
	// inFlight+3 pulses: the last transmit starts at 5*2.5 ms.
	if !strings.Contains(text, "12.500000 1.00") {
		t.Errorf("missing last transmit vertex:\n%s", text)
	}
	if s := b.Snapshot(); s.PRI != 2.5e-3 {
		t.Errorf("beam not recalled: %+v", s)
	}
}

func TestControl_ScheduleMissingSetting(t *testing.T) {
	c, _ := NewControl(800e3, []*Beam{NewBeam(4, BeamConfig{LookAngle: 0.5, BeamWidth: 0.02})})
	if _, err := c.Schedule(nil); err == nil {
		t.Error("Schedule without a setting for beam 4 should fail")
	}
}

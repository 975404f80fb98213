// Package search evaluates candidate timing combinations on a fixed pool of
// workers and reduces them to the best-scoring feasible one.
//
// Combinations are produced sequentially by the caller and frozen into
// immutable trial values, so workers share nothing but the reduction. The
// winner is the highest score with ties going to the earliest trial, which
// makes the outcome independent of the worker count.
package search

import (
	"context"
	"sync"
)

// Outcome is what an evaluator reports for one trial.
type Outcome struct {
	Feasible bool
	Score    float64
	Conflict error // why the trial was rejected, if it was
}

// Best is the winning trial.
type Best[T any] struct {
	Found bool
	Index int
	Value T
	Score float64
}

// Stats summarise a run.
type Stats struct {
	Trials         int
	FeasibleTrials int
	LastConflict   error // conflict of the latest rejected trial in enumeration order
}

// Progress is reported after every evaluated trial. BestScore never
// decreases over a run.
type Progress struct {
	Trials         int
	FeasibleTrials int
	BestScore      float64
}

// Options tune a run.
type Options struct {
	// Workers is the number of evaluating goroutines. Values below 2 run
	// the search inline on the calling goroutine.
	Workers int

	// Progress, if set, is called from a single goroutine.
	Progress func(Progress)
}

// NextFunc yields the next trial, or false once the space is exhausted.
type NextFunc[T any] func() (T, bool)

// EvalFunc scores one trial. Each worker gets its own EvalFunc from the
// factory passed to Run, so an EvalFunc may keep private scratch state.
type EvalFunc[T any] func(T) Outcome

type job[T any] struct {
	index int
	value T
}

type result[T any] struct {
	index   int
	value   T
	outcome Outcome
}

// Run enumerates every trial from next, evaluates it, and returns the best
// feasible one. A trial only becomes best if its score is strictly above the
// current best, which starts at zero. When ctx is cancelled Run stops
// enumerating and returns ctx.Err() along with what it had so far.
func Run[T any](ctx context.Context, opts Options, next NextFunc[T], newEval func() EvalFunc[T]) (Best[T], Stats, error) {
	r := &reducer[T]{progress: opts.Progress, lastConflictIdx: -1}

	if opts.Workers < 2 {
		eval := newEval()
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				return r.best, r.stats, err
			}
			v, ok := next()
			if !ok {
				break
			}
			r.add(result[T]{index: i, value: v, outcome: eval(v)})
		}
		return r.best, r.stats, nil
	}

	jobs := make(chan job[T], opts.Workers*2)
	results := make(chan result[T], opts.Workers*2)

	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eval := newEval()
			for j := range jobs {
				results <- result[T]{index: j.index, value: j.value, outcome: eval(j.value)}
			}
		}()
	}

	// Feed jobs; next is only ever called from this goroutine.
	go func() {
		defer close(jobs)
		for i := 0; ; i++ {
			if ctx.Err() != nil {
				return
			}
			v, ok := next()
			if !ok {
				return
			}
			select {
			case jobs <- job[T]{index: i, value: v}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		r.add(res)
	}
	return r.best, r.stats, ctx.Err()
}

type reducer[T any] struct {
	best            Best[T]
	stats           Stats
	lastConflictIdx int
	progress        func(Progress)
}

func (r *reducer[T]) add(res result[T]) {
	r.stats.Trials++
	o := res.outcome
	switch {
	case o.Feasible:
		r.stats.FeasibleTrials++
		if o.Score > r.best.Score || (r.best.Found && o.Score == r.best.Score && res.index < r.best.Index) {
			r.best = Best[T]{Found: true, Index: res.index, Value: res.value, Score: o.Score}
		}
	case o.Conflict != nil && res.index > r.lastConflictIdx:
		r.lastConflictIdx = res.index
		r.stats.LastConflict = o.Conflict
	}
	if r.progress != nil {
		r.progress(Progress{
			Trials:         r.stats.Trials,
			FeasibleTrials: r.stats.FeasibleTrials,
			BestScore:      r.best.Score,
		})
	}
}

// Package testutil provides fake plugins, a capturing log sink and storage
// helpers shared by the engine's tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"etl-engine/internal/plugins"
)

// GeneratorPlugin is a fake extract plugin. Config:
//
//	{"rows": 10, "bad_rows": [2, 5], "bad_fields": ["value"]}
//
// It emits rows {"n": i, "value": "row-<i>"}; indexes listed in bad_rows are
// reported on the row error channel instead.
type GeneratorPlugin struct{}

func (p *GeneratorPlugin) Name() string { return "generator" }

func (p *GeneratorPlugin) Invoke(ctx context.Context, inv plugins.Invocation, _ <-chan plugins.Row, out chan<- plugins.Row, rowErrs chan<- plugins.RowError) error {
	defer close(out)
	defer close(rowErrs)

	var cfg struct {
		Rows      int      `json:"rows"`
		BadRows   []int    `json:"bad_rows"`
		BadFields []string `json:"bad_fields"`
	}
	if len(inv.Config) > 0 {
		if err := json.Unmarshal(inv.Config, &cfg); err != nil {
			return err
		}
	}
	bad := make(map[int]bool, len(cfg.BadRows))
	for _, i := range cfg.BadRows {
		bad[i] = true
	}

	for i := 0; i < cfg.Rows; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row := plugins.Row{"n": i, "value": fmt.Sprintf("row-%d", i)}
		if bad[i] {
			rowErrs <- plugins.RowError{Row: row, Fields: cfg.BadFields, Err: fmt.Errorf("malformed source row %d", i)}
			continue
		}
		out <- row
	}
	return nil
}

// PassThroughPlugin is a fake transform. Config:
//
//	{"reject_every": 200, "reject_fields": ["value"]}
//
// Every reject_every-th input row (1-based) is reported as a row error with
// the given fields; everything else passes through unchanged.
type PassThroughPlugin struct{}

func (p *PassThroughPlugin) Name() string { return "passthrough" }

func (p *PassThroughPlugin) Invoke(ctx context.Context, inv plugins.Invocation, in <-chan plugins.Row, out chan<- plugins.Row, rowErrs chan<- plugins.RowError) error {
	defer close(out)
	defer close(rowErrs)

	var cfg struct {
		RejectEvery  int      `json:"reject_every"`
		RejectFields []string `json:"reject_fields"`
	}
	if len(inv.Config) > 0 {
		if err := json.Unmarshal(inv.Config, &cfg); err != nil {
			return err
		}
	}

	n := 0
	for row := range in {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n++
		if cfg.RejectEvery > 0 && n%cfg.RejectEvery == 0 {
			rowErrs <- plugins.RowError{Row: row, Fields: cfg.RejectFields, Err: fmt.Errorf("rejected row %d", n)}
			continue
		}
		out <- row
	}
	return nil
}

// SinkPlugin is a fake load plugin. It records every row it receives and
// echoes rows on out so the runner can count written rows.
type SinkPlugin struct {
	mu   sync.Mutex
	rows []plugins.Row
}

func (p *SinkPlugin) Name() string { return "sink" }

func (p *SinkPlugin) Invoke(ctx context.Context, _ plugins.Invocation, in <-chan plugins.Row, out chan<- plugins.Row, rowErrs chan<- plugins.RowError) error {
	defer close(out)
	defer close(rowErrs)

	for row := range in {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.mu.Lock()
		p.rows = append(p.rows, row)
		p.mu.Unlock()
		out <- row
	}
	return nil
}

// Rows returns a copy of everything written so far.
func (p *SinkPlugin) Rows() []plugins.Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plugins.Row(nil), p.rows...)
}

// FlakyPlugin is a fake extract that fails whole attempts. Attempts below
// SucceedAt return an error; from SucceedAt on it emits Rows rows.
type FlakyPlugin struct {
	SucceedAt int
	Rows      int

	mu       sync.Mutex
	attempts []int
}

func (p *FlakyPlugin) Name() string { return "flaky" }

func (p *FlakyPlugin) Invoke(ctx context.Context, inv plugins.Invocation, _ <-chan plugins.Row, out chan<- plugins.Row, rowErrs chan<- plugins.RowError) error {
	defer close(out)
	defer close(rowErrs)

	p.mu.Lock()
	p.attempts = append(p.attempts, inv.Attempt)
	p.mu.Unlock()

	if inv.Attempt < p.SucceedAt {
		return fmt.Errorf("transient failure on attempt %d", inv.Attempt)
	}
	for i := 0; i < p.Rows; i++ {
		out <- plugins.Row{"n": i}
	}
	return nil
}

// Attempts returns the attempt numbers seen so far.
func (p *FlakyPlugin) Attempts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.attempts...)
}

// BlockingPlugin is a fake extract that blocks until cancelled. With
// IgnoreCancel set it keeps blocking for HangFor after cancellation, which
// exercises the runner's force-fail path.
type BlockingPlugin struct {
	IgnoreCancel bool
	HangFor      time.Duration

	// Started is closed (once) when the plugin begins blocking.
	Started   chan struct{}
	startOnce sync.Once
}

func (p *BlockingPlugin) Name() string { return "blocking" }

func (p *BlockingPlugin) Invoke(ctx context.Context, _ plugins.Invocation, _ <-chan plugins.Row, out chan<- plugins.Row, rowErrs chan<- plugins.RowError) error {
	defer close(out)
	defer close(rowErrs)

	if p.Started != nil {
		p.startOnce.Do(func() { close(p.Started) })
	}

	<-ctx.Done()
	if p.IgnoreCancel {
		time.Sleep(p.HangFor)
	}
	return ctx.Err()
}

package plugins

import (
	"context"
	"encoding/json"
	"fmt"
)

// RegisterBuiltins installs the plugins that ship with the engine. They move
// no real data; production deployments register their own extract/transform/
// load implementations next to these.
func RegisterBuiltins(r *Registry) error {
	builtins := []Factory{
		func() Plugin { return &generatorPlugin{} },
		func() Plugin { return &passthroughPlugin{} },
		func() Plugin { return &nullPlugin{} },
	}
	for _, f := range builtins {
		if err := r.Register(f().Name(), f); err != nil {
			return err
		}
	}
	return nil
}

// generatorPlugin is a builtin extract that emits synthetic rows. Config:
//
//	{"rows": 100}
type generatorPlugin struct{}

func (p *generatorPlugin) Name() string { return "builtin.generator" }

func (p *generatorPlugin) Invoke(ctx context.Context, inv Invocation, _ <-chan Row, out chan<- Row, rowErrs chan<- RowError) error {
	defer close(out)
	defer close(rowErrs)

	var cfg struct {
		Rows int `json:"rows"`
	}
	if len(inv.Config) > 0 {
		if err := json.Unmarshal(inv.Config, &cfg); err != nil {
			return err
		}
	}

	for i := 0; i < cfg.Rows; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out <- Row{"n": i, "value": fmt.Sprintf("row-%d", i)}
	}
	return nil
}

// passthroughPlugin is a builtin transform that forwards rows unchanged.
type passthroughPlugin struct{}

func (p *passthroughPlugin) Name() string { return "builtin.passthrough" }

func (p *passthroughPlugin) Invoke(ctx context.Context, _ Invocation, in <-chan Row, out chan<- Row, rowErrs chan<- RowError) error {
	defer close(out)
	defer close(rowErrs)

	for row := range in {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out <- row
	}
	return nil
}

// nullPlugin is a builtin load that discards rows. It still echoes them so
// written-row counts stay accurate.
type nullPlugin struct{}

func (p *nullPlugin) Name() string { return "builtin.null" }

func (p *nullPlugin) Invoke(ctx context.Context, _ Invocation, in <-chan Row, out chan<- Row, rowErrs chan<- RowError) error {
	defer close(out)
	defer close(rowErrs)

	for row := range in {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out <- row
	}
	return nil
}

package censorlang

import (
	"fmt"
	"os"

	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/flow"
	"github.com/censorlab/censorlab/pkg/model"
	"github.com/censorlab/censorlab/pkg/packet"
)

// Factory builds one execution environment per flow over a program
// parsed once at startup. The program itself is immutable and shared;
// each flow owns its register file and counters.
type Factory struct {
	prog           *Program
	cfg            config.CensorLangConfig
	models         *model.Store
	defaultOnError bool
}

// LoadFactory parses the program at path and wraps it as a flow
// interpreter factory.
func LoadFactory(path string, cfg config.CensorLangConfig, models *model.Store) (*Factory, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program: %w", err)
	}
	prog, err := Parse(string(source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse program: %w", err)
	}
	return NewFactory(prog, cfg, models), nil
}

func NewFactory(prog *Program, cfg config.CensorLangConfig, models *model.Store) *Factory {
	return &Factory{
		prog:           prog,
		cfg:            cfg,
		models:         models,
		defaultOnError: cfg.DefaultOnError(),
	}
}

// New implements flow.Factory.
func (f *Factory) New(_ flow.Key) (flow.Interpreter, error) {
	return &Env{
		prog:           f.prog,
		regs:           NewRegisters(f.cfg.NumRegisters, f.cfg.RelaxRegisterTypes),
		models:         f.models,
		defaultOnError: f.defaultOnError,
	}, nil
}

// Env is the per-flow execution environment: the shared program plus
// this flow's registers and counters.
type Env struct {
	prog           *Program
	regs           *Registers
	fields         EnvFields
	models         *model.Store
	defaultOnError bool
}

// Process implements flow.Interpreter.
func (e *Env) Process(v *packet.View, numPackets uint64) (flow.Action, error) {
	e.fields.NumPackets = numPackets
	ctx := execContext{
		view:           v,
		regs:           e.regs,
		env:            &e.fields,
		defaultOnError: e.defaultOnError,
		models:         e.models,
	}
	return e.prog.Run(&ctx)
}

// Close implements flow.Interpreter; the environment holds nothing the
// collector cannot reclaim.
func (e *Env) Close() {}

package censorlang

import (
	"fmt"
	"strings"

	"github.com/censorlab/censorlab/pkg/flow"
	"github.com/censorlab/censorlab/pkg/model"
	"github.com/censorlab/censorlab/pkg/packet"
)

// Register addresses one slot in a typed bank, written `reg:f.0`,
// `reg:i.3`, `reg:b.1`.
type Register struct {
	Kind  Kind
	Index int
}

func (r Register) String() string {
	return fmt.Sprintf("reg:%s.%d", r.Kind, r.Index)
}

// Input is a condition or operation operand: a field, a register, or a
// literal.
type Input struct {
	Field    *Field
	Register *Register
	Literal  *Value
}

func FieldInput(f *Field) Input     { return Input{Field: f} }
func RegisterInput(r Register) Input { return Input{Register: &r} }
func LiteralInput(v Value) Input    { return Input{Literal: &v} }

// kind is the statically known type of the input.
func (in Input) kind() Kind {
	switch {
	case in.Field != nil:
		return in.Field.Kind
	case in.Register != nil:
		return in.Register.Kind
	default:
		return in.Literal.Kind
	}
}

func (in Input) constValue() (Value, bool) {
	if in.Literal != nil {
		return *in.Literal, true
	}
	return Value{}, false
}

func (in Input) eval(ctx *execContext) (Value, error) {
	switch {
	case in.Field != nil:
		return in.Field.Eval(ctx.view, ctx.env, ctx.defaultOnError)
	case in.Register != nil:
		val, ok := ctx.regs.Get(*in.Register)
		if !ok {
			return Value{}, fmt.Errorf("register index %d out of bounds", in.Register.Index)
		}
		return val, nil
	default:
		return *in.Literal, nil
	}
}

func (in Input) String() string {
	switch {
	case in.Field != nil:
		return in.Field.Name
	case in.Register != nil:
		return in.Register.String()
	default:
		return in.Literal.String()
	}
}

// Condition guards a line: `if <lhs> <op> <rhs>:`.
type Condition struct {
	LHS      Input
	Operator Operator
	RHS      Input
}

func (c *Condition) eval(ctx *execContext) (bool, error) {
	lhs, err := c.LHS.eval(ctx)
	if err != nil {
		return false, fmt.Errorf("condition lhs: %w", err)
	}
	rhs, err := c.RHS.eval(ctx)
	if err != nil {
		return false, fmt.Errorf("condition rhs: %w", err)
	}
	return c.Operator.Call(lhs, rhs), nil
}

// provenValue folds a condition over literal operands.
func (c *Condition) provenValue() (bool, bool) {
	lhs, ok := c.LHS.constValue()
	if !ok {
		return false, false
	}
	rhs, ok := c.RHS.constValue()
	if !ok {
		return false, false
	}
	return c.Operator.Call(lhs, rhs), true
}

func (c *Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.LHS, c.Operator, c.RHS)
}

// OpCode discriminates the operation of a line.
type OpCode uint8

const (
	OpCopy OpCode = iota
	OpMath
	OpReturn
	OpNoop
	OpModel
)

// Operation is the action of one line.
type Operation struct {
	Code OpCode

	// COPY
	From Input
	// math ops
	Math MathOp
	LHS  Input
	RHS  Input
	// COPY / math / MODEL destination
	Out Register
	// RETURN
	Action flow.Action
	// MODEL
	ModelName string
}

func (o *Operation) String() string {
	switch o.Code {
	case OpCopy:
		return fmt.Sprintf("COPY %s -> %s", o.From, o.Out)
	case OpMath:
		return fmt.Sprintf("%s %s, %s -> %s", o.Math, o.LHS, o.RHS, o.Out)
	case OpReturn:
		return "RETURN " + o.Action.String()
	case OpModel:
		return fmt.Sprintf("MODEL %s -> %s", o.ModelName, o.Out)
	default:
		return "NOOP"
	}
}

// Line is one program line: an optional condition and an operation.
type Line struct {
	Condition *Condition
	Operation Operation
}

func (l *Line) String() string {
	if l.Condition != nil {
		return fmt.Sprintf("if %s: %s", l.Condition, l.Operation.String())
	}
	return l.Operation.String()
}

// Program is an executable sequence of lines.
type Program struct {
	Lines []Line
}

func (p *Program) String() string {
	var b strings.Builder
	for i := range p.Lines {
		b.WriteString(p.Lines[i].String())
		b.WriteByte('\n')
	}
	return b.String()
}

type execContext struct {
	view           *packet.View
	regs           *Registers
	env            *EnvFields
	defaultOnError bool
	models         *model.Store
}

// Run executes the program top to bottom for one packet. The first
// RETURN decides; a program that falls off the end allows the packet.
func (p *Program) Run(ctx *execContext) (flow.Action, error) {
	for i := range p.Lines {
		line := &p.Lines[i]
		if line.Condition != nil {
			ok, err := line.Condition.eval(ctx)
			if err != nil {
				return flow.ActionAllow, err
			}
			if !ok {
				continue
			}
		}
		switch line.Operation.Code {
		case OpCopy:
			val, err := line.Operation.From.eval(ctx)
			if err != nil {
				return flow.ActionAllow, err
			}
			if err := ctx.regs.Set(line.Operation.Out, val); err != nil {
				return flow.ActionAllow, err
			}
		case OpMath:
			lhs, err := line.Operation.LHS.eval(ctx)
			if err != nil {
				return flow.ActionAllow, err
			}
			rhs, err := line.Operation.RHS.eval(ctx)
			if err != nil {
				return flow.ActionAllow, err
			}
			if err := ctx.regs.Set(line.Operation.Out, line.Operation.Math.Call(lhs, rhs)); err != nil {
				return flow.ActionAllow, err
			}
		case OpReturn:
			return line.Operation.Action, nil
		case OpModel:
			if err := runModel(ctx, &line.Operation); err != nil {
				return flow.ActionAllow, err
			}
		case OpNoop:
		}
	}
	return flow.ActionAllow, nil
}

// runModel evaluates the named classifier on the host feature vector
// (direction, payload length, payload entropy) and stores the first
// probability in the output register.
func runModel(ctx *execContext, op *Operation) error {
	if ctx.models == nil || !ctx.models.Has(op.ModelName) {
		return fmt.Errorf("no model named %q", op.ModelName)
	}
	features := []float32{
		float32(ctx.view.Direction),
		float32(len(ctx.view.Payload)),
		float32(ctx.view.PayloadEntropy),
	}
	out, err := ctx.models.Evaluate(op.ModelName, features)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return fmt.Errorf("model %q returned no probabilities", op.ModelName)
	}
	return ctx.regs.Set(op.Out, FloatValue(float64(out[0])))
}

// Registers is the typed register file of one flow.
type Registers struct {
	F []float64
	I []int64
	B []bool
	// Relaxed routes a value to the bank of its own kind instead of
	// rejecting the type mismatch.
	Relaxed bool
}

func NewRegisters(n int, relaxed bool) *Registers {
	return &Registers{
		F:       make([]float64, n),
		I:       make([]int64, n),
		B:       make([]bool, n),
		Relaxed: relaxed,
	}
}

func (r *Registers) Get(reg Register) (Value, bool) {
	switch reg.Kind {
	case KindFloat:
		if reg.Index >= len(r.F) {
			return Value{}, false
		}
		return FloatValue(r.F[reg.Index]), true
	case KindInt:
		if reg.Index >= len(r.I) {
			return Value{}, false
		}
		return IntValue(r.I[reg.Index]), true
	default:
		if reg.Index >= len(r.B) {
			return Value{}, false
		}
		return BoolValue(r.B[reg.Index]), true
	}
}

func (r *Registers) Set(reg Register, val Value) error {
	kind := reg.Kind
	if r.Relaxed {
		kind = val.Kind
	} else if val.Kind != reg.Kind {
		return fmt.Errorf("cannot write %s value to %s register", val.Kind, reg.Kind)
	}
	switch kind {
	case KindFloat:
		if reg.Index >= len(r.F) {
			return fmt.Errorf("register index %d out of bounds", reg.Index)
		}
		r.F[reg.Index] = val.F
	case KindInt:
		if reg.Index >= len(r.I) {
			return fmt.Errorf("register index %d out of bounds", reg.Index)
		}
		r.I[reg.Index] = val.I
	default:
		if reg.Index >= len(r.B) {
			return fmt.Errorf("register index %d out of bounds", reg.Index)
		}
		r.B[reg.Index] = val.B
	}
	return nil
}

// Package script hosts the per-flow censor program. The program text
// is compiled once at startup; every flow gets its own interpreter
// state initialized from that bytecode, so top-level variables persist
// across packets of one flow and are invisible to every other flow.
package script

import (
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/censorlab/censorlab/pkg/flow"
	"github.com/censorlab/censorlab/pkg/model"
	"github.com/censorlab/censorlab/pkg/packet"
)

const entryFunction = "process"

// Engine holds the compiled program and the shared, immutable host
// resources. It implements flow.Factory.
type Engine struct {
	proto  *lua.FunctionProto
	models *model.Store
}

// NewEngine compiles the program at path. A syntax error here is fatal
// at startup; per-flow failures later are flow-local.
func NewEngine(path string, models *model.Store) (*Engine, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return NewEngineFromSource(string(source), path, models)
}

// NewEngineFromSource compiles program text directly; NewEngine calls
// it after reading the file, and tests call it with inline programs.
func NewEngineFromSource(source, name string, models *model.Store) (*Engine, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return &Engine{proto: proto, models: models}, nil
}

// New instantiates the per-flow interpreter: a fresh Lua state, the
// host modules, then one execution of the program's top level.
func (e *Engine) New(_ flow.Key) (flow.Interpreter, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		IncludeGoStackTrace: false,
	})
	// Only the deterministic libraries; no io, no os.
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	registerPacketTypes(L)
	registerHelpers(L, e.models)

	fn := L.NewFunctionFromProto(e.proto)
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("script initialization failed: %w", err)
	}
	process := L.GetGlobal(entryFunction)
	if _, ok := process.(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("script defines no %s function", entryFunction)
	}
	return &flowContext{L: L, process: process}, nil
}

// flowContext is one flow's interpreter. It is owned by its flow and
// never entered re-entrantly.
type flowContext struct {
	L       *lua.LState
	process lua.LValue
	closed  bool
}

// Process implements flow.Interpreter: bind the packet object, call
// process(packet), map the return value.
func (c *flowContext) Process(v *packet.View, _ uint64) (flow.Action, error) {
	if c.closed {
		return flow.ActionAllow, fmt.Errorf("interpreter already closed")
	}
	pkt := newPacketValue(c.L, v)
	c.L.SetGlobal("packet", pkt)
	if err := c.L.CallByParam(lua.P{
		Fn:      c.process,
		NRet:    1,
		Protect: true,
	}, pkt); err != nil {
		return flow.ActionAllow, fmt.Errorf("script error: %w", err)
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	switch ret := ret.(type) {
	case *lua.LNilType:
		return flow.ActionAllow, nil
	case lua.LString:
		action, err := flow.ParseAction(string(ret))
		if err != nil {
			return flow.ActionAllow, err
		}
		return action, nil
	default:
		return flow.ActionAllow, fmt.Errorf("script returned %s, want a string or nothing", ret.Type())
	}
}

func (c *flowContext) Close() {
	if !c.closed {
		c.closed = true
		c.L.Close()
	}
}

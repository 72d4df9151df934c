package censorlang

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseLine(t *testing.T, text string) *Line {
	t.Helper()
	line, err := ParseLine(text)
	require.NoError(t, err, "parsing %q", text)
	return line
}

func TestParsePrintRoundTripOperators(t *testing.T) {
	for _, op := range []string{"<", "<=", "==", "!=", ">", ">=", "&&", "||", "^", "nand", "nor", "xnor"} {
		text := "if env.num_packets " + op + " 3: RETURN terminate"
		line := parseLine(t, text)
		printed := line.String()
		reparsed := parseLine(t, printed)
		assert.Equal(t, printed, reparsed.String(), "operator %s", op)
	}
}

func TestParsePrintRoundTripFields(t *testing.T) {
	for _, field := range FieldNames() {
		_, ok := LookupField(field)
		require.True(t, ok)
		kind := fieldTable[field].Kind
		var text string
		switch kind {
		case KindBool:
			text = "if " + field + " == true: RETURN allow_all"
		case KindFloat:
			text = "if " + field + " > 7.5: RETURN terminate"
		default:
			text = "if " + field + " >= 42: RETURN terminate"
		}
		line := parseLine(t, text)
		printed := line.String()
		reparsed := parseLine(t, printed)
		assert.Equal(t, printed, reparsed.String(), "field %s", field)
	}
}

func TestParsePrintRoundTripOperations(t *testing.T) {
	for _, text := range []string{
		"COPY 42 -> reg:i.0",
		"COPY 3.5 -> reg:f.1",
		"COPY true -> reg:b.2",
		"COPY tcp.payload_length -> reg:i.3",
		"ADD reg:i.0, 1 -> reg:i.0",
		"SUB reg:i.0, reg:i.1 -> reg:i.2",
		"MUL reg:f.0, 2.0 -> reg:f.1",
		"DIV reg:f.0, reg:f.1 -> reg:f.2",
		"MOD reg:i.0, 7 -> reg:i.1",
		"AND reg:b.0, reg:b.1 -> reg:b.2",
		"OR reg:b.0, true -> reg:b.1",
		"XOR reg:b.0, reg:b.1 -> reg:b.2",
		"RETURN allow",
		"RETURN allow_all",
		"RETURN terminate",
		"MODEL shadowsocks -> reg:f.0",
		"if reg:i.0 > 3: RETURN terminate",
		"if transport.payload.entropy >= 7.0: ADD reg:i.0, 1 -> reg:i.0",
	} {
		line := parseLine(t, text)
		printed := line.String()
		reparsed := parseLine(t, printed)
		assert.Equal(t, printed, reparsed.String(), "line %q", text)
	}
}

func TestParseProgramSkipsCommentsAndBlanks(t *testing.T) {
	src := `
# count packets
ADD reg:i.0, 1 -> reg:i.0

if reg:i.0 > 3: RETURN terminate
`
	prog, err := Parse(src)
	require.NoError(t, err)
	// The counter write survives the optimizer because the condition
	// reads it.
	assert.Len(t, prog.Lines, 2)
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := ParseLine("if tcp.no_such_field == 1: RETURN terminate")
	assert.Error(t, err)
}

func TestParseRejectsCrossTypeWrites(t *testing.T) {
	for _, text := range []string{
		"COPY 1 -> reg:f.0",             // int literal into float bank
		"COPY 1.0 -> reg:i.0",           // float literal into int bank
		"COPY tcp.flag.syn -> reg:i.0",  // bool field into int bank
		"ADD reg:i.0, 1 -> reg:f.0",     // int math into float bank
		"ADD reg:f.0, 1 -> reg:i.0",     // float math into int bank
		"AND reg:b.0, reg:b.1 -> reg:i.0", // logic into int bank
		"MODEL m -> reg:i.0",            // model output is float
	} {
		_, err := ParseLine(text)
		assert.Error(t, err, "expected rejection of %q", text)
	}
}

func TestParseRejectsDropReturn(t *testing.T) {
	_, err := ParseLine("RETURN drop")
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, text := range []string{
		"FROB reg:i.0",
		"ADD reg:i.0 1 -> reg:i.0",
		"COPY 1 ->",
		"if reg:i.0: RETURN allow",
		"reg:q.0",
	} {
		_, err := ParseLine(text)
		assert.Error(t, err, "expected rejection of %q", text)
	}
}

func TestOptimizerFoldsConstantConditions(t *testing.T) {
	prog, err := Parse(strings.Join([]string{
		"if 1 == 1: RETURN terminate",
		"RETURN allow",
	}, "\n"))
	require.NoError(t, err)
	// The proven condition is removed, then everything after the now
	// unconditional RETURN is truncated.
	require.Len(t, prog.Lines, 1)
	assert.Nil(t, prog.Lines[0].Condition)
	assert.Equal(t, OpReturn, prog.Lines[0].Operation.Code)
}

func TestOptimizerDropsFalseBranches(t *testing.T) {
	prog, err := Parse(strings.Join([]string{
		"if 1 == 2: RETURN terminate",
		"RETURN allow",
	}, "\n"))
	require.NoError(t, err)
	require.Len(t, prog.Lines, 1)
	assert.Equal(t, OpReturn, prog.Lines[0].Operation.Code)
}

func TestOptimizerRemovesDeadWrites(t *testing.T) {
	prog, err := Parse(strings.Join([]string{
		"COPY 42 -> reg:i.5",
		"RETURN allow",
	}, "\n"))
	require.NoError(t, err)
	// reg:i.5 is never read, so the COPY disappears.
	require.Len(t, prog.Lines, 1)
	assert.Equal(t, OpReturn, prog.Lines[0].Operation.Code)
}

func TestOptimizerFoldsConstantMath(t *testing.T) {
	prog, err := Parse(strings.Join([]string{
		"ADD 1, 2 -> reg:i.0",
		"if reg:i.0 == 3: RETURN terminate",
	}, "\n"))
	require.NoError(t, err)
	require.Len(t, prog.Lines, 2)
	assert.Equal(t, OpCopy, prog.Lines[0].Operation.Code)
}

func TestOptimizerKeepsModelLines(t *testing.T) {
	prog, err := Parse("MODEL m -> reg:f.0")
	require.NoError(t, err)
	require.Len(t, prog.Lines, 1)
	assert.Equal(t, OpModel, prog.Lines[0].Operation.Code)
}

func TestProgramStringRoundTrip(t *testing.T) {
	src := strings.Join([]string{
		"ADD reg:i.0, 1 -> reg:i.0",
		"if reg:i.0 > 3: RETURN terminate",
	}, "\n")
	prog, err := Parse(src)
	require.NoError(t, err)
	reparsed, err := Parse(prog.String())
	require.NoError(t, err)
	assert.Equal(t, prog.String(), reparsed.String())
}

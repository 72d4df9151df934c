package censorlang

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/censorlab/censorlab/pkg/flow"
)

// Parse reads a program: one line per operation, blank lines and
// `#` comments skipped. Register type mismatches are rejected here,
// not at runtime.
func Parse(src string) (*Program, error) {
	prog := &Program{}
	for lineNo, raw := range strings.Split(src, "\n") {
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		line, err := ParseLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		prog.Lines = append(prog.Lines, *line)
	}
	prog.Optimize()
	return prog, nil
}

// ParseLine parses a single program line.
func ParseLine(text string) (*Line, error) {
	p := &lineParser{lexer: lexer{src: text}}
	if err := p.next(); err != nil {
		return nil, err
	}
	line, err := p.parseLine()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tEOF {
		return nil, fmt.Errorf("trailing input %q", p.tok.text)
	}
	return line, nil
}

type tokKind int

const (
	tEOF tokKind = iota
	tIdent
	tInt
	tFloat
	tRegister
	tOp
	tArrow
	tComma
	tColon
)

type token struct {
	kind tokKind
	text string
	reg  Register
	i    int64
	f    float64
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tEOF}, nil
	}
	c := l.src[l.pos]
	switch {
	case c == ',':
		l.pos++
		return token{kind: tComma, text: ","}, nil
	case c == ':':
		l.pos++
		return token{kind: tColon, text: ":"}, nil
	case c == '-' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '>':
		l.pos += 2
		return token{kind: tArrow, text: "->"}, nil
	case c == '-' || c >= '0' && c <= '9':
		return l.lexNumber()
	case strings.ContainsRune("<>=!&|^", rune(c)):
		return l.lexOperator()
	case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		return l.lexIdent()
	default:
		return token{}, fmt.Errorf("unexpected character %q", string(c))
	}
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	isFloat := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c >= '0' && c <= '9':
			l.pos++
		case c == '.' || c == 'e' || c == 'E':
			isFloat = true
			l.pos++
		case (c == '+' || c == '-') && (l.src[l.pos-1] == 'e' || l.src[l.pos-1] == 'E'):
			l.pos++
		default:
			goto done
		}
	}
done:
	text := l.src[start:l.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, fmt.Errorf("invalid float literal %q", text)
		}
		return token{kind: tFloat, text: text, f: f}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid int literal %q", text)
	}
	return token{kind: tInt, text: text, i: i}, nil
}

func (l *lexer) lexOperator() (token, error) {
	two := ""
	if l.pos+2 <= len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "<=", ">=", "==", "!=", "&&", "||":
		l.pos += 2
		return token{kind: tOp, text: two}, nil
	}
	one := l.src[l.pos : l.pos+1]
	switch one {
	case "<", ">", "^":
		l.pos++
		return token{kind: tOp, text: one}, nil
	}
	return token{}, fmt.Errorf("invalid operator %q", one)
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '_' || c == '.' || c >= '0' && c <= '9' ||
			c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			l.pos++
			continue
		}
		break
	}
	text := l.src[start:l.pos]
	// `reg:` introduces a register reference: reg:<bank>.<index>
	if text == "reg" && l.pos < len(l.src) && l.src[l.pos] == ':' {
		l.pos++
		return l.lexRegister()
	}
	return token{kind: tIdent, text: text}, nil
}

func (l *lexer) lexRegister() (token, error) {
	if l.pos >= len(l.src) {
		return token{}, fmt.Errorf("truncated register reference")
	}
	var kind Kind
	switch l.src[l.pos] {
	case 'f':
		kind = KindFloat
	case 'i':
		kind = KindInt
	case 'b':
		kind = KindBool
	default:
		return token{}, fmt.Errorf("invalid register bank %q", string(l.src[l.pos]))
	}
	l.pos++
	if l.pos >= len(l.src) || l.src[l.pos] != '.' {
		return token{}, fmt.Errorf("register reference missing index")
	}
	l.pos++
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
		l.pos++
	}
	if start == l.pos {
		return token{}, fmt.Errorf("register reference missing index")
	}
	index, err := strconv.Atoi(l.src[start:l.pos])
	if err != nil {
		return token{}, fmt.Errorf("invalid register index: %w", err)
	}
	reg := Register{Kind: kind, Index: index}
	return token{kind: tRegister, text: reg.String(), reg: reg}, nil
}

type lineParser struct {
	lexer lexer
	tok   token
}

func (p *lineParser) next() error {
	tok, err := p.lexer.lex()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *lineParser) expect(kind tokKind, what string) error {
	if p.tok.kind != kind {
		return fmt.Errorf("expected %s, found %q", what, p.tok.text)
	}
	return p.next()
}

func (p *lineParser) parseLine() (*Line, error) {
	line := &Line{}
	if p.tok.kind == tIdent && p.tok.text == "if" {
		if err := p.next(); err != nil {
			return nil, err
		}
		cond, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		line.Condition = cond
		if err := p.expect(tColon, "':'"); err != nil {
			return nil, err
		}
	}
	op, err := p.parseOperation()
	if err != nil {
		return nil, err
	}
	line.Operation = *op
	return line, nil
}

func (p *lineParser) parseCondition() (*Condition, error) {
	lhs, err := p.parseInput()
	if err != nil {
		return nil, err
	}
	var opText string
	switch p.tok.kind {
	case tOp:
		opText = p.tok.text
	case tIdent:
		opText = p.tok.text
	default:
		return nil, fmt.Errorf("expected operator, found %q", p.tok.text)
	}
	op, err := ParseOperator(opText)
	if err != nil {
		return nil, err
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	rhs, err := p.parseInput()
	if err != nil {
		return nil, err
	}
	return &Condition{LHS: lhs, Operator: op, RHS: rhs}, nil
}

func (p *lineParser) parseInput() (Input, error) {
	switch p.tok.kind {
	case tInt:
		val := IntValue(p.tok.i)
		return LiteralInput(val), p.next()
	case tFloat:
		val := FloatValue(p.tok.f)
		return LiteralInput(val), p.next()
	case tRegister:
		reg := p.tok.reg
		return RegisterInput(reg), p.next()
	case tIdent:
		switch p.tok.text {
		case "true":
			return LiteralInput(BoolValue(true)), p.next()
		case "false":
			return LiteralInput(BoolValue(false)), p.next()
		}
		field, ok := LookupField(p.tok.text)
		if !ok {
			return Input{}, fmt.Errorf("unknown field %q", p.tok.text)
		}
		return FieldInput(field), p.next()
	default:
		return Input{}, fmt.Errorf("expected input, found %q", p.tok.text)
	}
}

func (p *lineParser) parseRegister() (Register, error) {
	if p.tok.kind != tRegister {
		return Register{}, fmt.Errorf("expected register, found %q", p.tok.text)
	}
	reg := p.tok.reg
	return reg, p.next()
}

var mathOpByName = map[string]MathOp{
	"ADD": MathAdd, "SUB": MathSub, "MUL": MathMul, "DIV": MathDiv,
	"MOD": MathMod, "AND": MathAnd, "OR": MathOr, "XOR": MathXor,
}

func (p *lineParser) parseOperation() (*Operation, error) {
	if p.tok.kind != tIdent {
		return nil, fmt.Errorf("expected operation, found %q", p.tok.text)
	}
	name := p.tok.text
	if err := p.next(); err != nil {
		return nil, err
	}
	switch name {
	case "NOOP":
		return &Operation{Code: OpNoop}, nil
	case "RETURN":
		if p.tok.kind != tIdent {
			return nil, fmt.Errorf("expected action, found %q", p.tok.text)
		}
		action, err := flow.ParseAction(p.tok.text)
		if err != nil || action == flow.ActionDrop {
			return nil, fmt.Errorf("invalid RETURN action %q", p.tok.text)
		}
		return &Operation{Code: OpReturn, Action: action}, p.next()
	case "COPY":
		from, err := p.parseInput()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tArrow, "'->'"); err != nil {
			return nil, err
		}
		out, err := p.parseRegister()
		if err != nil {
			return nil, err
		}
		if from.kind() != out.Kind {
			return nil, fmt.Errorf("cannot COPY %s value into %s register", from.kind(), out.Kind)
		}
		return &Operation{Code: OpCopy, From: from, Out: out}, nil
	case "MODEL":
		if p.tok.kind != tIdent {
			return nil, fmt.Errorf("expected model name, found %q", p.tok.text)
		}
		modelName := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		if err := p.expect(tArrow, "'->'"); err != nil {
			return nil, err
		}
		out, err := p.parseRegister()
		if err != nil {
			return nil, err
		}
		if out.Kind != KindFloat {
			return nil, fmt.Errorf("MODEL output register must be a float register")
		}
		return &Operation{Code: OpModel, ModelName: modelName, Out: out}, nil
	default:
		mathOp, ok := mathOpByName[name]
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", name)
		}
		lhs, err := p.parseInput()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tComma, "','"); err != nil {
			return nil, err
		}
		rhs, err := p.parseInput()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tArrow, "'->'"); err != nil {
			return nil, err
		}
		out, err := p.parseRegister()
		if err != nil {
			return nil, err
		}
		if want := mathOp.resultKind(lhs.kind(), rhs.kind()); want != out.Kind {
			return nil, fmt.Errorf("%s of %s and %s writes a %s value, not %s",
				name, lhs.kind(), rhs.kind(), want, out.Kind)
		}
		return &Operation{Code: OpMath, Math: mathOp, LHS: lhs, RHS: rhs, Out: out}, nil
	}
}

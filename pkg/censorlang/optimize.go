package censorlang

// Optimize simplifies the program until it reaches a fixed point:
// noops are stripped, proven conditions folded, constant math turned
// into COPY, writes to never-read registers removed, and everything
// after an unconditional RETURN truncated. MODEL lines are decision
// points and never removed.
func (p *Program) Optimize() {
	changed := true
	for changed {
		changed = p.stripNoops()

		for i := range p.Lines {
			line := &p.Lines[i]
			if line.Condition != nil {
				if proven, ok := line.Condition.provenValue(); ok {
					if proven {
						line.Condition = nil
					} else {
						line.Operation = Operation{Code: OpNoop}
					}
					changed = true
				}
			}
			if line.Operation.Code == OpMath {
				lhs, lok := line.Operation.LHS.constValue()
				rhs, rok := line.Operation.RHS.constValue()
				if lok && rok {
					val := line.Operation.Math.Call(lhs, rhs)
					line.Operation = Operation{
						Code: OpCopy,
						From: LiteralInput(val),
						Out:  line.Operation.Out,
					}
					changed = true
				}
			}
		}
		changed = p.stripNoops() || changed

		read := p.readRegisters()
		for i := range p.Lines {
			if out, ok := p.Lines[i].writtenRegister(); ok {
				if _, isRead := read[out]; !isRead {
					p.Lines[i].Operation = Operation{Code: OpNoop}
					changed = true
				}
			}
		}
		changed = p.stripNoops() || changed

		for i := range p.Lines {
			if p.Lines[i].Condition == nil && p.Lines[i].Operation.Code == OpReturn {
				if i+1 < len(p.Lines) {
					p.Lines = p.Lines[:i+1]
					changed = true
				}
				break
			}
		}
	}
}

func (p *Program) stripNoops() bool {
	kept := p.Lines[:0]
	for i := range p.Lines {
		if p.Lines[i].Operation.Code != OpNoop {
			kept = append(kept, p.Lines[i])
		}
	}
	changed := len(kept) != len(p.Lines)
	p.Lines = kept
	return changed
}

// writtenRegister returns the register a line writes, if any. MODEL
// writes are excluded: the classifier call is an effect of its own.
func (l *Line) writtenRegister() (Register, bool) {
	switch l.Operation.Code {
	case OpCopy, OpMath:
		return l.Operation.Out, true
	default:
		return Register{}, false
	}
}

// readRegisters collects every register the program reads.
func (p *Program) readRegisters() map[Register]struct{} {
	read := make(map[Register]struct{})
	note := func(in Input) {
		if in.Register != nil {
			read[*in.Register] = struct{}{}
		}
	}
	for i := range p.Lines {
		line := &p.Lines[i]
		if line.Condition != nil {
			note(line.Condition.LHS)
			note(line.Condition.RHS)
		}
		switch line.Operation.Code {
		case OpCopy:
			note(line.Operation.From)
		case OpMath:
			note(line.Operation.LHS)
			note(line.Operation.RHS)
		}
	}
	return read
}

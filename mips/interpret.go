package mips

// overflowAdd reports signed overflow of x+y having produced result.
func overflowAdd(x, y, result uint32) uint32 {
	return (^(x ^ y) & (x ^ result)) >> 31
}

// Interpret executes one opcode against the architectural state. This is
// the reference the recompiler is compared to, and also the strategy-A
// target generated code calls into. Unsupported opcodes are no-ops.
//
// Interpret does not advance the PC; the surrounding loop (or the
// generated block) owns instruction sequencing, branch decisions and
// delay-slot rotation.
func (c *R3051) Interpret(opcode uint32) {
	switch Op(opcode) {
	case OpSpecial:
		switch Function(opcode) {
		case FnAdd:
			c.interpretAdd(opcode)
		case FnAddu:
			c.interpretAddu(opcode)
		case FnSubu:
			c.interpretSubu(opcode)
		}
	case OpRegimm:
		if Rt(opcode) == RtBltzal {
			c.interpretBltzal(opcode)
		}
	case OpAddiu:
		c.interpretAddiu(opcode)
	case OpLw:
		c.interpretLw(opcode)
	case OpSw:
		c.interpretSw(opcode)
	}
}

func (c *R3051) readRs(opcode uint32) uint32 { return c.registers[Rs(opcode)] }
func (c *R3051) readRt(opcode uint32) uint32 { return c.registers[Rt(opcode)] }

// writeRegisterDelayed routes a load result through the load-delay slot:
// a still-pending value for a different register commits now, a pending
// value for the same register is discarded, and the new value becomes
// visible one instruction later.
func (c *R3051) writeRegisterDelayed(r, value uint32) {
	if c.loadDelaySlot {
		if c.loadDelayRegister != r {
			c.registers[c.loadDelayRegister] = c.loadDelayValue
		}
		c.loadDelaySlot = false
	}
	c.loadDelaySlotNext = true
	c.loadDelayRegister = r
	c.loadDelayValue = value
}

func (c *R3051) interpretAddu(opcode uint32) {
	c.registers[Rd(opcode)] = c.readRs(opcode) + c.readRt(opcode)
}

func (c *R3051) interpretSubu(opcode uint32) {
	c.registers[Rd(opcode)] = c.readRs(opcode) - c.readRt(opcode)
}

func (c *R3051) interpretAddiu(opcode uint32) {
	c.registers[Rt(opcode)] = c.readRs(opcode) + ImmediateExtended(opcode)
}

func (c *R3051) interpretAdd(opcode uint32) {
	s := c.readRs(opcode)
	t := c.readRt(opcode)
	result := s + t
	if overflowAdd(s, t, result) != 0 {
		c.EnterException(ExcArithmeticOverflow)
		return
	}
	c.registers[Rd(opcode)] = result
}

func (c *R3051) interpretSw(opcode uint32) {
	base := c.readRs(opcode)
	t := c.readRt(opcode)
	offset := ImmediateExtended(opcode)
	c.StoreWord(base+offset, t)
}

func (c *R3051) interpretLw(opcode uint32) {
	base := c.readRs(opcode)
	offset := ImmediateExtended(opcode)
	if value, ok := c.LoadWord(base + offset); ok {
		c.writeRegisterDelayed(Rt(opcode), value)
	}
}

// interpretBltzal writes the link register. The branch decision itself
// belongs to the sequencing layer: with the delay-slot discipline the
// transfer happens one instruction later, and the architectural state has
// no branch-delay fields to carry it. BranchTaken exposes the condition.
func (c *R3051) interpretBltzal(opcode uint32) {
	c.registers[31] = c.pc + 8
}

// BranchTaken reports whether a BLTZAL at the current state takes its
// branch. The link is written before the condition is read, so when rs is
// the link register the decision sees the new value; evaluate after
// Interpret to match.
func (c *R3051) BranchTaken(opcode uint32) bool {
	return int32(c.readRs(opcode)) < 0
}

// BranchTarget computes the branch destination of a REGIMM branch located
// at pc.
func BranchTarget(pc, opcode uint32) uint32 {
	return pc + 4 + (ImmediateExtended(opcode) << 2)
}

package recompiler

// State is the emit-time mirror of the guest pipeline: the PC of the
// instruction being translated, the pending branch target and the two
// delay-slot flag pairs. It tracks what the generated code will do, not
// what the guest currently holds, which is why it is distinct from the
// R3051 fields it shadows.
type State struct {
	pc           uint32
	branchTarget uint32

	branchDelaySlot     bool
	branchDelaySlotNext bool

	loadDelayRegister uint32
	loadDelaySlot     bool
	loadDelaySlotNext bool
}

func NewState(pc uint32) *State {
	return &State{pc: pc}
}

func (s *State) PC() uint32 { return s.pc }
func (s *State) SetPC(v uint32) { s.pc = v }
func (s *State) BranchTarget() uint32 { return s.branchTarget }
func (s *State) SetBranchTarget(v uint32) { s.branchTarget = v }
func (s *State) BranchDelaySlot() bool { return s.branchDelaySlot }
func (s *State) SetBranchDelaySlot(v bool) { s.branchDelaySlot = v }
func (s *State) BranchDelaySlotNext() bool { return s.branchDelaySlotNext }
func (s *State) SetBranchDelaySlotNext(v bool) { s.branchDelaySlotNext = v }
func (s *State) LoadDelayRegister() uint32 { return s.loadDelayRegister }
func (s *State) SetLoadDelayRegister(v uint32) { s.loadDelayRegister = v }
func (s *State) LoadDelaySlot() bool { return s.loadDelaySlot }
func (s *State) SetLoadDelaySlot(v bool) { s.loadDelaySlot = v }
func (s *State) LoadDelaySlotNext() bool { return s.loadDelaySlotNext }
func (s *State) SetLoadDelaySlotNext(v bool) { s.loadDelaySlotNext = v }

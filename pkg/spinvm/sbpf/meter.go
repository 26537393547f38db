package sbpf

// Cycle costs per instruction kind.
const (
	CycleALU  = uint64(1)
	CycleMul  = uint64(4)
	CycleDiv  = uint64(12)
	CycleMem  = uint64(2)
	CycleJump = uint64(1)
	CycleCall = uint64(5)
	CycleExit = uint64(1)
)

func cycleCost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return CycleMul
		case AluDiv, AluMod:
			return CycleDiv
		}
		return CycleALU
	case ClassLd, ClassLdx, ClassSt, ClassStx:
		return CycleMem
	default:
		switch op & 0xF0 {
		case JmpCall:
			return CycleCall
		case JmpExit:
			return CycleExit
		}
		return CycleJump
	}
}

// Meter counts cycles spent by one run against a fixed budget.
// Hosts charge it directly for syscall work and nested calls.
type Meter struct {
	limit uint64
	used  uint64
}

// NewMeter returns a meter allowing limit cycles.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Charge consumes cost cycles. Once the budget is gone the meter is pinned
// at the limit and every further charge fails.
func (m *Meter) Charge(cost uint64) error {
	if cost > m.limit-m.used {
		m.used = m.limit
		return ErrBudgetExhausted
	}
	m.used += cost
	return nil
}

func (m *Meter) Used() uint64      { return m.used }
func (m *Meter) Limit() uint64     { return m.limit }
func (m *Meter) Remaining() uint64 { return m.limit - m.used }

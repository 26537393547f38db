package spinvm

import (
	"fmt"
	"math/bits"
)

// Segment bounds, as powers of two.
const (
	DefaultMinSegmentPo2 = 10
	DefaultMaxSegmentPo2 = 20

	// SegmentPo2Limit keeps 2^po2 well inside a uint64.
	SegmentPo2Limit = 32
)

// Fixed costs of native programs, in cycles.
const (
	RootProgramCost = uint64(1 << 10)
	EVMProgramCost  = uint64(1 << 10)
)

// Host-side cycle costs charged by syscalls.
const (
	CostSyscallBase   = uint64(100)
	CostStorageRead   = uint64(200)
	CostStorageWrite  = uint64(400)
	CostPerByte       = uint64(1)
	CostHashBase      = uint64(85)
	CostCrossCall     = uint64(1_000)
	CostAccountLookup = uint64(300)
)

// GasSchedule turns executed cycles into gas. Cycles are cut into segments
// of at most 2^MaxSegmentPo2; each segment is rounded up to a power of two
// no smaller than 2^MinSegmentPo2, and gas is the sum of the rounded sizes.
// Doing more work never yields less gas.
type GasSchedule struct {
	MinSegmentPo2 uint8
	MaxSegmentPo2 uint8
}

func DefaultGasSchedule() GasSchedule {
	return GasSchedule{MinSegmentPo2: DefaultMinSegmentPo2, MaxSegmentPo2: DefaultMaxSegmentPo2}
}

func (g GasSchedule) Validate() error {
	if g.MinSegmentPo2 > g.MaxSegmentPo2 {
		return fmt.Errorf("min segment po2 %d above max %d", g.MinSegmentPo2, g.MaxSegmentPo2)
	}
	if g.MaxSegmentPo2 > SegmentPo2Limit {
		return fmt.Errorf("max segment po2 %d above %d", g.MaxSegmentPo2, SegmentPo2Limit)
	}
	return nil
}

// Segments splits cycles into segment sizes (po2 each). Zero cycles is
// zero segments.
func (g GasSchedule) Segments(cycles uint64) []uint8 {
	if cycles == 0 {
		return nil
	}
	full := cycles >> g.MaxSegmentPo2
	rem := cycles & (1<<g.MaxSegmentPo2 - 1)

	n := full
	if rem > 0 {
		n++
	}
	segs := make([]uint8, 0, n)
	for i := uint64(0); i < full; i++ {
		segs = append(segs, g.MaxSegmentPo2)
	}
	if rem > 0 {
		po2 := uint8(bits.Len64(rem - 1))
		if po2 < g.MinSegmentPo2 {
			po2 = g.MinSegmentPo2
		}
		segs = append(segs, po2)
	}
	return segs
}

// Gas returns the gas of cycles along with its segmentation.
func (g GasSchedule) Gas(cycles uint64) (uint64, []uint8) {
	segs := g.Segments(cycles)
	return GasOfSegments(segs), segs
}

// GasOfSegments sums 2^po2 over segs.
func GasOfSegments(segs []uint8) uint64 {
	var total uint64
	for _, po2 := range segs {
		total += 1 << po2
	}
	return total
}

package spinvm

import (
	"strings"

	"github.com/evikser/spin-node/pkg/chain"
)

// Result is what one execution produced. Err is nil on success; when set,
// Output is empty and the run's writes were discarded.
type Result struct {
	Output   []byte
	GasUsed  uint64
	Artifact chain.Artifact
	Err      error
}

// Outcome converts r into the per-transaction record stored in a block.
func (r *Result) Outcome() chain.Outcome {
	if r.Err != nil {
		return chain.Outcome{
			Kind:    Kind(r.Err),
			Error:   strings.ToValidUTF8(r.Err.Error(), "\uFFFD"),
			GasUsed: r.GasUsed,
		}
	}
	return chain.Outcome{Success: true, Output: r.Output, GasUsed: r.GasUsed}
}

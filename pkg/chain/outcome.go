package chain

import (
	"fmt"
	"unicode/utf8"

	"github.com/evikser/spin-node/pkg/codec"
)

// ErrorKind classifies a failed transaction.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindCorruptedInput
	KindAccountNotFound
	KindAccountAlreadyExists
	KindUnauthorized
	KindInsufficientResource
	KindGasExhausted
	KindMissingProgram
	KindStorageFailure
	// KindExecutionFailed covers guest traps and explicit aborts.
	KindExecutionFailed
)

var kindNames = [...]string{
	KindNone:                 "none",
	KindCorruptedInput:       "corrupted_input",
	KindAccountNotFound:      "account_not_found",
	KindAccountAlreadyExists: "account_already_exists",
	KindUnauthorized:         "unauthorized",
	KindInsufficientResource: "insufficient_resource",
	KindGasExhausted:         "gas_exhausted",
	KindMissingProgram:       "missing_program",
	KindStorageFailure:       "storage_failure",
	KindExecutionFailed:      "execution_failed",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of one transaction as recorded in its block.
type Outcome struct {
	Success bool
	Output  []byte
	Kind    ErrorKind
	Error   string
	GasUsed uint64
}

func (o *Outcome) encodeTo(w *codec.Writer) {
	w.WriteBool(o.Success)
	w.WriteBytes(o.Output)
	w.WriteU8(uint8(o.Kind))
	w.WriteString(o.Error)
	w.WriteU64(o.GasUsed)
}

func (o *Outcome) decodeFrom(r *codec.Reader) {
	o.Success = r.ReadBool()
	o.Output = r.ReadBytes()
	o.Kind = ErrorKind(r.ReadU8())
	o.Error = r.ReadString()
	o.GasUsed = r.ReadU64()
}

// Encode serializes the outcome.
func (o *Outcome) Encode() []byte {
	w := codec.NewWriter(32 + len(o.Output) + len(o.Error))
	o.encodeTo(w)
	return w.Bytes()
}

// DecodeOutcome parses an encoded outcome.
func DecodeOutcome(data []byte) (*Outcome, error) {
	r := codec.NewReader(data)
	o := &Outcome{}
	o.decodeFrom(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return o, nil
}

// Artifact is the raw execution record of one transaction: the sandbox
// measurements that gas was derived from, plus contract log lines.
type Artifact struct {
	Cycles   uint64
	Segments []uint8 // po2 of each segment
	GasUsed  uint64
	Calls    uint32
	Logs     []string
}

// checkText reports text that would not survive a decode.
func (o *Outcome) checkText() error {
	if !utf8.ValidString(o.Error) {
		return fmt.Errorf("%w: outcome error is not utf-8", codec.ErrCorrupted)
	}
	return nil
}

func (a *Artifact) checkText() error {
	for i, l := range a.Logs {
		if !utf8.ValidString(l) {
			return fmt.Errorf("%w: log line %d is not utf-8", codec.ErrCorrupted, i)
		}
	}
	return nil
}

func (a *Artifact) encodeTo(w *codec.Writer) {
	w.WriteU64(a.Cycles)
	w.WriteBytes(a.Segments)
	w.WriteU64(a.GasUsed)
	w.WriteU32(a.Calls)
	w.WriteU32(uint32(len(a.Logs)))
	for _, l := range a.Logs {
		w.WriteString(l)
	}
}

func (a *Artifact) decodeFrom(r *codec.Reader) {
	a.Cycles = r.ReadU64()
	a.Segments = r.ReadBytes()
	a.GasUsed = r.ReadU64()
	a.Calls = r.ReadU32()
	if n := r.ReadCount(4); n > 0 {
		a.Logs = make([]string, n)
		for i := range a.Logs {
			a.Logs[i] = r.ReadString()
		}
	}
}

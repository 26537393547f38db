package syscall

import (
	"fmt"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/sbpf"
)

// CallRequest is the payload of spin_cross_contract_call.
type CallRequest struct {
	Target types.AccountID
	Method string
	Gas    uint64
	Args   []byte
}

func (c *CallRequest) Encode() []byte {
	w := codec.NewWriter(32 + len(c.Args))
	w.WriteString(string(c.Target))
	w.WriteString(c.Method)
	w.WriteU64(c.Gas)
	w.WriteBytes(c.Args)
	return w.Bytes()
}

func DecodeCallRequest(data []byte) (*CallRequest, error) {
	r := codec.NewReader(data)
	c := &CallRequest{
		Target: types.AccountID(r.ReadString()),
		Method: r.ReadString(),
		Gas:    r.ReadU64(),
		Args:   r.ReadBytes(),
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: call request: %v", spinvm.ErrCorruptedInput, err)
	}
	return c, nil
}

func (r *Registry) registerSpin(h *Host) {
	// spin_cross_contract_call(reqPtr, reqLen, outPtr, outCap, outLenPtr)
	//
	// Runs the target with exactly the attached gas. r0 is 0 when the callee
	// succeeded (its output copied to outPtr, full length to outLenPtr) and 1
	// when it failed; the caller keeps running either way.
	r.register(NameCrossContractCall, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		reqPtr, reqLen, outPtr, outCap, outLenPtr := r1, r2, r3, r4, r5

		if err := perByte(vm, spinvm.CostCrossCall, reqLen); err != nil {
			return 0, err
		}
		raw, err := readGuest(vm, reqPtr, reqLen, MaxRequestLen, "call request")
		if err != nil {
			return 0, err
		}
		req, err := DecodeCallRequest(raw)
		if err != nil {
			return 0, err
		}

		caller := h.Exec.Call()
		if remaining := vm.Meter().Remaining(); req.Gas > remaining {
			h.failedCall(req, fmt.Errorf("%w: attached gas %d over remaining %d",
				spinvm.ErrInsufficientResource, req.Gas, remaining))
			return Failed, writeGuestU64(vm, outLenPtr, 0, "output length")
		}

		call := spinvm.Call{
			Account:     req.Target,
			Method:      req.Method,
			Args:        req.Args,
			AttachedGas: req.Gas,
			Sender:      caller.Account,
			Signer:      caller.Signer,
		}
		res := h.Executor.Execute(h.Ctx, h.Exec.Storage(), call, h.Exec.Depth()+1)
		h.Exec.RecordCall(res.Artifact.Calls, res.Artifact.Logs)

		if err := vm.Meter().Charge(res.GasUsed); err != nil {
			return 0, err
		}
		if res.Err != nil {
			h.failedCall(req, res.Err)
			return Failed, writeGuestU64(vm, outLenPtr, 0, "output length")
		}

		out := res.Output
		if uint64(len(out)) > outCap {
			out = out[:outCap]
		}
		if err := writeGuest(vm, outPtr, out, "call output"); err != nil {
			return 0, err
		}
		if err := writeGuestU64(vm, outLenPtr, uint64(len(res.Output)), "output length"); err != nil {
			return 0, err
		}
		return Success, nil
	})

	// spin_get_storage(keyPtr, keyLen, outPtr, outCap, outLenPtr)
	r.register(NameGetStorage, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		keyPtr, keyLen, outPtr, outCap, outLenPtr := r1, r2, r3, r4, r5

		if err := perByte(vm, spinvm.CostStorageRead, keyLen); err != nil {
			return 0, err
		}
		key, err := readGuest(vm, keyPtr, keyLen, MaxKeyLen, "storage key")
		if err != nil {
			return 0, err
		}
		val, found, err := h.Exec.GetStorage(key)
		if err != nil {
			return 0, err
		}
		if !found {
			return NotFound, nil
		}

		full := uint64(len(val))
		if err := perByte(vm, 0, full); err != nil {
			return 0, err
		}
		if full > outCap {
			val = val[:outCap]
		}
		if err := writeGuest(vm, outPtr, val, "storage value"); err != nil {
			return 0, err
		}
		if err := writeGuestU64(vm, outLenPtr, full, "value length"); err != nil {
			return 0, err
		}
		return Success, nil
	})

	// spin_set_storage(keyPtr, keyLen, valPtr, valLen)
	r.register(NameSetStorage, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		keyPtr, keyLen, valPtr, valLen := r1, r2, r3, r4

		if keyLen > MaxKeyLen || valLen > MaxValueLen {
			return 0, fmt.Errorf("%w: storage entry %d/%d bytes", spinvm.ErrCorruptedInput, keyLen, valLen)
		}
		if err := perByte(vm, spinvm.CostStorageWrite, keyLen+valLen); err != nil {
			return 0, err
		}
		key, err := readGuest(vm, keyPtr, keyLen, MaxKeyLen, "storage key")
		if err != nil {
			return 0, err
		}
		val, err := readGuest(vm, valPtr, valLen, MaxValueLen, "storage value")
		if err != nil {
			return 0, err
		}
		if err := h.Exec.SetStorage(key, val); err != nil {
			return 0, err
		}
		return Success, nil
	})

	// spin_get_account_mapping(idPtr, idLen, outPtr) writes the 20-byte
	// secondary address of an existing account.
	r.register(NameGetAccountMapping, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		idPtr, idLen, outPtr := r1, r2, r3

		if err := perByte(vm, spinvm.CostAccountLookup, idLen); err != nil {
			return 0, err
		}
		raw, err := readGuest(vm, idPtr, idLen, types.MaxAccountIDLength, "account id")
		if err != nil {
			return 0, err
		}
		id := types.AccountID(raw)
		ok, err := spinvm.AccountExists(h.Exec.Storage(), id)
		if err != nil {
			return 0, err
		}
		if !ok {
			return NotFound, nil
		}
		addr := spinvm.AccountMapping(id)
		if err := writeGuest(vm, outPtr, addr[:], "address"); err != nil {
			return 0, err
		}
		return Success, nil
	})
}

func (h *Host) failedCall(req *CallRequest, err error) {
	msg := fmt.Sprintf("call %s.%s failed: %s", req.Target, req.Method, spinvm.Kind(err))
	h.Exec.Log(msg)
	h.Logger.Debug("nested call failed", "caller", h.Exec.Call().Account, "target", req.Target,
		"method", req.Method, "kind", spinvm.Kind(err), "err", err)
}

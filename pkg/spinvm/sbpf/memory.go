package sbpf

import (
	"encoding/binary"
	"fmt"
)

type region struct {
	name     string
	data     []byte
	writable bool
}

// regionFor maps the high half of a virtual address to its backing region.
func (ip *Interpreter) regionFor(addr uint64) (*region, bool) {
	switch addr >> 32 {
	case VaddrProgram >> 32:
		return &ip.ro, true
	case VaddrStack >> 32:
		return &ip.stack, true
	case VaddrHeap >> 32:
		return &ip.heap, true
	case VaddrInput >> 32:
		return &ip.input, true
	}
	return nil, false
}

// Translate resolves [addr, addr+size) to host memory.
func (ip *Interpreter) Translate(addr, size uint64, write bool) ([]byte, error) {
	reg, ok := ip.regionFor(addr)
	if !ok {
		return nil, fmt.Errorf("%w: unmapped address 0x%x", ErrInvalidMemoryAccess, addr)
	}
	if write && !reg.writable {
		return nil, fmt.Errorf("%w: write to read-only %s at 0x%x", ErrInvalidMemoryAccess, reg.name, addr)
	}
	lo := addr & 0xFFFFFFFF
	if size > uint64(len(reg.data)) || lo > uint64(len(reg.data))-size {
		return nil, fmt.Errorf("%w: %s access at 0x%x size %d (len %d)",
			ErrInvalidMemoryAccess, reg.name, addr, size, len(reg.data))
	}
	return reg.data[lo : lo+size], nil
}

// Read copies len(p) bytes from guest memory.
func (ip *Interpreter) Read(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p into guest memory.
func (ip *Interpreter) Write(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// WriteUint64 stores a little-endian u64.
func (ip *Interpreter) WriteUint64(addr, v uint64) error {
	return ip.store(addr, 8, v)
}

func (ip *Interpreter) load(addr uint64, width uint64) (uint64, error) {
	mem, err := ip.Translate(addr, width, false)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(mem[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(mem)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(mem)), nil
	default:
		return binary.LittleEndian.Uint64(mem), nil
	}
}

func (ip *Interpreter) store(addr uint64, width uint64, v uint64) error {
	mem, err := ip.Translate(addr, width, true)
	if err != nil {
		return err
	}
	switch width {
	case 1:
		mem[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(v))
	default:
		binary.LittleEndian.PutUint64(mem, v)
	}
	return nil
}

func accessWidth(op uint8) uint64 {
	switch op & 0x18 {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}

// Alloc carves size bytes from the heap with a bump pointer, 8-byte aligned.
// The heap is never freed within a run.
func (ip *Interpreter) Alloc(size uint64) (uint64, error) {
	start := (ip.heapNext + 7) &^ 7
	if size > uint64(len(ip.heap.data)) || start > uint64(len(ip.heap.data))-size {
		return 0, fmt.Errorf("%w: heap exhausted (want %d, used %d of %d)",
			ErrInvalidMemoryAccess, size, ip.heapNext, len(ip.heap.data))
	}
	ip.heapNext = start + size
	return VaddrHeap + start, nil
}

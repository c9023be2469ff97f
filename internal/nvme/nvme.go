// Package nvme holds the parts of the NVMe command set needed to address a
// data buffer: opcodes, completion status, and PRP construction.
package nvme

import (
	"fmt"

	"github.com/sbates130272/nvme-donard/internal/sgl"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

// Opcode is an NVMe I/O command opcode.
type Opcode uint8

const (
	OpWrite   Opcode = uapi.NVMeCmdWrite
	OpRead    Opcode = uapi.NVMeCmdRead
	OpCompare Opcode = uapi.NVMeCmdCompare
)

func (o Opcode) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpCompare:
		return "compare"
	default:
		return fmt.Sprintf("opcode(%#x)", uint8(o))
	}
}

// IsDataTransfer reports whether o is one of the opcodes that may be
// issued against pinned accelerator memory.
func (o Opcode) IsDataTransfer() bool {
	return o == OpWrite || o == OpRead || o == OpCompare
}

// Status is an NVMe completion status (status code type in bits 8-10,
// status code in bits 0-7).
type Status uint16

const (
	StatusSuccess          Status = 0x0000
	StatusInvalidOpcode    Status = 0x0001
	StatusInvalidField     Status = 0x0002
	StatusDataXferError    Status = 0x0004
	StatusInternal         Status = 0x0006
	StatusInvalidNamespace Status = 0x000b
	StatusLBARange         Status = 0x0080
	StatusCompareFailed    Status = 0x0285
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidOpcode:
		return "invalid opcode"
	case StatusInvalidField:
		return "invalid field"
	case StatusDataXferError:
		return "data transfer error"
	case StatusInternal:
		return "internal error"
	case StatusInvalidNamespace:
		return "invalid namespace"
	case StatusLBARange:
		return "LBA out of range"
	case StatusCompareFailed:
		return "compare failure"
	default:
		return fmt.Sprintf("status(%#x)", uint16(s))
	}
}

// OK reports whether the status denotes success.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// TransferLength returns the byte length addressed by a zero-based block
// count on a namespace with the given LBA shift.
func TransferLength(nblocks uint16, lbaShift uint8) uint64 {
	return (uint64(nblocks) + 1) << lbaShift
}

// PRP is the physical region page layout of a data buffer: PRP1 always
// points at the first byte; PRP2 is either the second page or, when List
// is non-empty, must be pointed by the queue at an indirection page
// holding List.
type PRP struct {
	PRP1 uint64
	PRP2 uint64
	List []uint64
}

// Entries returns the total number of PRP entries.
func (p PRP) Entries() int {
	if p.PRP1 == 0 && len(p.List) == 0 {
		return 0
	}
	if len(p.List) > 0 {
		return 1 + len(p.List)
	}
	if p.PRP2 != 0 {
		return 2
	}
	return 1
}

// BuildPRP splits segs into controller pages and lays them out as PRP
// entries. Only the first entry may start inside a page and only the last
// may end inside one; the walk stops at the first segment that breaks
// that rule. The returned mapped length is the number of bytes the layout
// actually describes, capped at length, and is less than length whenever
// the segments cannot be expressed.
func BuildPRP(segs []sgl.Segment, length uint64, pageSize uint32) (PRP, uint64) {
	var prp PRP
	if len(segs) == 0 || length == 0 || pageSize == 0 {
		return prp, 0
	}

	ps := uint64(pageSize)
	mask := ps - 1
	var entries []uint64
	var mapped uint64
	endAligned := true

walk:
	for _, seg := range segs {
		addr, n := seg.Addr, uint64(seg.Len)
		for n > 0 && mapped < length {
			if len(entries) > 0 && (!endAligned || addr&mask != 0) {
				break walk
			}
			chunk := min(n, ps-(addr&mask), length-mapped)
			entries = append(entries, addr)
			endAligned = (addr+chunk)&mask == 0
			mapped += chunk
			addr += chunk
			n -= chunk
		}
		if mapped >= length {
			break
		}
	}

	switch len(entries) {
	case 0:
	case 1:
		prp.PRP1 = entries[0]
	case 2:
		prp.PRP1, prp.PRP2 = entries[0], entries[1]
	default:
		prp.PRP1 = entries[0]
		prp.List = entries[1:]
	}
	return prp, mapped
}

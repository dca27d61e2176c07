package wasm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnboundedMemory rejects modules whose memory section lacks a declared
// maximum.
var ErrUnboundedMemory = errors.New("unbounded memory")

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

const memorySectionID = 5

// ValidateMemoryLimits walks the binary's section table, locates the memory
// section and verifies every memory declares a maximum no larger than
// maxPages. Runs before compilation so an unbounded module never reaches
// the engine.
//
// A module with no memory section passes: it has no linear memory to
// bound, and the runtime's page limit still caps anything it could grow
// later. Rejection applies only to memories that exist without a maximum.
func ValidateMemoryLimits(module []byte, maxPages uint32) error {
	if len(module) < 8 || !bytesEqual(module[:4], wasmMagic) {
		return errors.New("not a wasm binary")
	}
	if binary.LittleEndian.Uint32(module[4:8]) != 1 {
		return fmt.Errorf("unsupported wasm version")
	}

	offset := 8
	for offset < len(module) {
		sectionID := module[offset]
		offset++

		size, n, err := readULEB(module[offset:])
		if err != nil {
			return fmt.Errorf("malformed section header: %w", err)
		}
		offset += n

		if offset+int(size) > len(module) {
			return errors.New("section extends past end of module")
		}

		if sectionID == memorySectionID {
			return validateMemorySection(module[offset:offset+int(size)], maxPages)
		}
		offset += int(size)
	}

	// No memory section at all: nothing to bound.
	return nil
}

func validateMemorySection(section []byte, maxPages uint32) error {
	count, n, err := readULEB(section)
	if err != nil {
		return fmt.Errorf("malformed memory count: %w", err)
	}
	offset := n

	for i := uint64(0); i < count; i++ {
		if offset >= len(section) {
			return errors.New("truncated memory section")
		}
		flags := section[offset]
		offset++

		_, n, err := readULEB(section[offset:]) // min pages
		if err != nil {
			return fmt.Errorf("malformed memory minimum: %w", err)
		}
		offset += n

		if flags&0x01 == 0 {
			return ErrUnboundedMemory
		}

		maxDeclared, n, err := readULEB(section[offset:])
		if err != nil {
			return fmt.Errorf("malformed memory maximum: %w", err)
		}
		offset += n

		if maxDeclared > uint64(maxPages) {
			return fmt.Errorf("memory maximum %d pages exceeds limit %d", maxDeclared, maxPages)
		}
	}
	return nil
}

// readULEB decodes an unsigned LEB128 integer, returning the value and the
// number of bytes consumed.
func readULEB(data []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		b := data[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, errors.New("uleb128 overflow")
		}
	}
	return 0, 0, errors.New("truncated uleb128")
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

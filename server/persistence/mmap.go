// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// Fixed file layout:
// - Coils: 65536 bytes (offset 0)
// - Discrete inputs: 65536 bytes
// - Holding registers: 65536 * 2 bytes (host endianness)
// - Input registers: 65536 * 2 bytes (host endianness)
const (
	sizeCoils    = MaxAddress + 1
	sizeDiscrete = MaxAddress + 1
	sizeHolding  = (MaxAddress + 1) * 2
	sizeInput    = (MaxAddress + 1) * 2
	totalSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// MmapStorage persists the snapshot through a memory-mapped file. Register
// writes land directly in the mapping; OnWrite requests a flush. Word
// values are stored with host endianness, so the file is not portable
// across architectures.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
	snap *Snapshot
}

// NewMmapStorage creates a new MmapStorage at path.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

// Load maps the file and returns a snapshot backed by the mapping.
func (ms *MmapStorage) Load() (*Snapshot, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mmap file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("resizing mmap file: %w", err)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping %s: %w", ms.path, err)
	}
	ms.file = f
	ms.data = data
	ms.snap = mapBytesToSnapshot(data)
	return ms.snap, nil
}

// mapBytesToSnapshot constructs a Snapshot whose slices alias the mapped
// region. Word slices are reinterpreted in place, which ties the file
// format to the host's endianness in exchange for zero-copy access.
func mapBytesToSnapshot(data []byte) *Snapshot {
	snap := &Snapshot{}

	snap.Coils = data[offsetCoils : offsetCoils+sizeCoils]
	snap.DiscreteInputs = data[offsetDiscrete : offsetDiscrete+sizeDiscrete]

	holdingBytes := data[offsetHolding : offsetHolding+sizeHolding]
	snap.HoldingRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), sizeHolding/2)

	inputBytes := data[offsetInput : offsetInput+sizeInput]
	snap.InputRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), sizeInput/2)

	return snap
}

// Save flushes the mapping to disk.
func (ms *MmapStorage) Save() error {
	if ms.data == nil {
		return nil
	}
	return ms.data.Flush()
}

// OnWrite flushes so a crash cannot lose acknowledged writes.
func (ms *MmapStorage) OnWrite(table TableType, address, quantity uint16) {
	_ = ms.Save()
}

// Close flushes, unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	if ms.data == nil {
		return nil
	}
	flushErr := ms.data.Flush()
	unmapErr := ms.data.Unmap()
	closeErr := ms.file.Close()
	ms.data = nil
	ms.file = nil
	ms.snap = nil
	if flushErr != nil {
		return flushErr
	}
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// fileImage is the sparse on-disk format: only non-zero points are stored.
type fileImage struct {
	Coils            map[uint16]byte   `json:"coils,omitempty"`
	DiscreteInputs   map[uint16]byte   `json:"discreteInputs,omitempty"`
	HoldingRegisters map[uint16]uint16 `json:"holdingRegisters,omitempty"`
	InputRegisters   map[uint16]uint16 `json:"inputRegisters,omitempty"`
}

// FileStorage persists the snapshot as a sparse JSON file, rewritten on
// every modification. Suitable for small register sets and slow write
// rates; use MmapStorage for anything busier.
type FileStorage struct {
	path string
	snap *Snapshot
}

// NewFileStorage creates a new FileStorage at path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Load reads the JSON file into a fresh snapshot. A missing file yields an
// empty snapshot.
func (fsg *FileStorage) Load() (*Snapshot, error) {
	fsg.snap = NewSnapshot()

	data, err := os.ReadFile(fsg.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fsg.snap, nil
		}
		return nil, fmt.Errorf("reading %s: %w", fsg.path, err)
	}
	var image fileImage
	if err := json.Unmarshal(data, &image); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", fsg.path, err)
	}
	for addr, val := range image.Coils {
		fsg.snap.Coils[addr] = val
	}
	for addr, val := range image.DiscreteInputs {
		fsg.snap.DiscreteInputs[addr] = val
	}
	for addr, val := range image.HoldingRegisters {
		fsg.snap.HoldingRegisters[addr] = val
	}
	for addr, val := range image.InputRegisters {
		fsg.snap.InputRegisters[addr] = val
	}
	return fsg.snap, nil
}

// Save writes the sparse image atomically via a temporary file.
func (fsg *FileStorage) Save() error {
	if fsg.snap == nil {
		return nil
	}
	image := fileImage{
		Coils:            map[uint16]byte{},
		DiscreteInputs:   map[uint16]byte{},
		HoldingRegisters: map[uint16]uint16{},
		InputRegisters:   map[uint16]uint16{},
	}
	for addr, val := range fsg.snap.Coils {
		if val != 0 {
			image.Coils[uint16(addr)] = val
		}
	}
	for addr, val := range fsg.snap.DiscreteInputs {
		if val != 0 {
			image.DiscreteInputs[uint16(addr)] = val
		}
	}
	for addr, val := range fsg.snap.HoldingRegisters {
		if val != 0 {
			image.HoldingRegisters[uint16(addr)] = val
		}
	}
	for addr, val := range fsg.snap.InputRegisters {
		if val != 0 {
			image.InputRegisters[uint16(addr)] = val
		}
	}

	data, err := json.Marshal(&image)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp := fsg.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(fsg.path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, fsg.path); err != nil {
		return fmt.Errorf("replacing %s: %w", fsg.path, err)
	}
	return nil
}

// OnWrite rewrites the file so the persisted image tracks every change.
func (fsg *FileStorage) OnWrite(table TableType, address, quantity uint16) {
	// Write-through; errors are deliberately dropped here because the
	// protocol reply must not fail on persistence hiccups.
	_ = fsg.Save()
}

// Close performs a final save.
func (fsg *FileStorage) Close() error {
	return fsg.Save()
}

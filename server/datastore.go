// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package server

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tarnhill/modbus"
	"github.com/tarnhill/modbus/server/persistence"
)

const (
	// Maximum address space for each data type
	maxAddress = 65536
)

// Extent declares the addressable window of one data space. Requests that
// touch addresses outside [Start, Start+Count) fail with illegal data
// address.
type Extent struct {
	Start uint16 `json:"start"`
	Count uint32 `json:"count"`
}

func (e Extent) contains(address uint16, quantity uint16) bool {
	return uint32(address) >= uint32(e.Start) &&
		uint32(address)+uint32(quantity) <= uint32(e.Start)+e.Count
}

// ExtentSet declares the four address-space windows of a DataStore.
type ExtentSet struct {
	Coils          Extent `json:"coils"`
	DiscreteInputs Extent `json:"discreteInputs"`
	HoldingRegs    Extent `json:"holdingRegs"`
	InputRegs      Extent `json:"inputRegs"`
}

// DataStore is the default Backend: in-memory storage for Modbus data.
// It maintains four separate address spaces:
// - Coils: read/write single bits (function codes 1, 5, 15)
// - Discrete Inputs: read-only single bits (function code 2)
// - Holding Registers: read/write 16-bit registers (function codes 3, 6, 16, 22, 23)
// - Input Registers: read-only 16-bit registers (function code 4)
type DataStore struct {
	mu sync.RWMutex

	extents ExtentSet

	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16

	exceptionStatus byte

	// Register names for logging/debugging
	coilNames          map[uint16]string
	discreteInputNames map[uint16]string
	holdingRegNames    map[uint16]string
	inputRegNames      map[uint16]string

	// Delay and timeout configuration
	delayConfig *DelayConfigSet

	// Optional write-through persistence
	storage persistence.Storage
	snap    *persistence.Snapshot
}

// RegisterConfig represents a named register with an initial value.
type RegisterConfig struct {
	Name  string `json:"name"`
	Value uint16 `json:"value"`
}

// CoilConfig represents a named coil with an initial value.
type CoilConfig struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

// DelayConfig defines delay and timeout behavior for register access.
type DelayConfig struct {
	// Base delay to apply before responding (e.g., "100ms", "1s")
	Delay string `json:"delay,omitempty"`
	// Jitter percentage (0-100) to add random variance to delay
	// e.g., 20 means ±20% of Delay
	Jitter int `json:"jitter,omitempty"`
	// TimeoutProbability (0.0-1.0) is the probability of not responding at all
	// e.g., 0.3 means 30% of requests will timeout
	TimeoutProbability float64 `json:"timeoutProbability,omitempty"`
}

// RegisterType identifies one of the four Modbus register types.
type RegisterType string

const (
	RegisterTypeCoil          RegisterType = "coils"
	RegisterTypeDiscreteInput RegisterType = "discreteInputs"
	RegisterTypeHoldingReg    RegisterType = "holdingRegs"
	RegisterTypeInputReg      RegisterType = "inputRegs"
)

// DelayConfigSet contains global defaults and per-address delay configurations.
type DelayConfigSet struct {
	// Global default delays per register type
	Global map[RegisterType]DelayConfig `json:"global,omitempty"`
	// Per-address delay overrides for coils
	Coils map[uint16]DelayConfig `json:"coils,omitempty"`
	// Per-address delay overrides for discrete inputs
	DiscreteInputs map[uint16]DelayConfig `json:"discreteInputs,omitempty"`
	// Per-address delay overrides for holding registers
	HoldingRegs map[uint16]DelayConfig `json:"holdingRegs,omitempty"`
	// Per-address delay overrides for input registers
	InputRegs map[uint16]DelayConfig `json:"inputRegs,omitempty"`
}

// DataStoreConfig allows configuring the address-space windows and initial
// values for the data store.
type DataStoreConfig struct {
	// Address-space windows. A zero Count means the full 65536 addresses.
	Extents *ExtentSet `json:"extents,omitempty"`

	// Initial values for each data type. If nil, defaults to zeros.
	// Legacy format: map[address]value
	Coils          map[uint16]bool   `json:"Coils,omitempty"`
	DiscreteInputs map[uint16]bool   `json:"DiscreteInputs,omitempty"`
	HoldingRegs    map[uint16]uint16 `json:"HoldingRegs,omitempty"`
	InputRegs      map[uint16]uint16 `json:"InputRegs,omitempty"`

	// New format: map[address]config with name
	NamedCoils          map[uint16]CoilConfig     `json:"NamedCoils,omitempty"`
	NamedDiscreteInputs map[uint16]CoilConfig     `json:"NamedDiscreteInputs,omitempty"`
	NamedHoldingRegs    map[uint16]RegisterConfig `json:"NamedHoldingRegs,omitempty"`
	NamedInputRegs      map[uint16]RegisterConfig `json:"NamedInputRegs,omitempty"`

	// Delay and timeout configuration
	Delays *DelayConfigSet `json:"delays,omitempty"`
}

func normalizeExtent(e Extent) Extent {
	if e.Count == 0 {
		return Extent{Start: 0, Count: maxAddress}
	}
	if uint32(e.Start)+e.Count > maxAddress {
		e.Count = maxAddress - uint32(e.Start)
	}
	return e
}

// NewDataStore creates a new DataStore with optional initial configuration.
func NewDataStore(config *DataStoreConfig) *DataStore {
	extents := ExtentSet{}
	if config != nil && config.Extents != nil {
		extents = *config.Extents
	}
	extents.Coils = normalizeExtent(extents.Coils)
	extents.DiscreteInputs = normalizeExtent(extents.DiscreteInputs)
	extents.HoldingRegs = normalizeExtent(extents.HoldingRegs)
	extents.InputRegs = normalizeExtent(extents.InputRegs)

	ds := &DataStore{
		extents:            extents,
		coils:              make([]bool, extents.Coils.Count),
		discreteInputs:     make([]bool, extents.DiscreteInputs.Count),
		holdingRegs:        make([]uint16, extents.HoldingRegs.Count),
		inputRegs:          make([]uint16, extents.InputRegs.Count),
		coilNames:          make(map[uint16]string),
		discreteInputNames: make(map[uint16]string),
		holdingRegNames:    make(map[uint16]string),
		inputRegNames:      make(map[uint16]string),
	}

	if config != nil {
		// Store delay configuration
		ds.delayConfig = config.Delays
		// Legacy format (backward compatibility)
		for addr, val := range config.Coils {
			ds.seedCoil(addr, val)
		}
		for addr, val := range config.DiscreteInputs {
			ds.seedDiscreteInput(addr, val)
		}
		for addr, val := range config.HoldingRegs {
			ds.seedHoldingReg(addr, val)
		}
		for addr, val := range config.InputRegs {
			ds.seedInputReg(addr, val)
		}

		// New named format
		for addr, cfg := range config.NamedCoils {
			ds.seedCoil(addr, cfg.Value)
			if cfg.Name != "" {
				ds.coilNames[addr] = cfg.Name
			}
		}
		for addr, cfg := range config.NamedDiscreteInputs {
			ds.seedDiscreteInput(addr, cfg.Value)
			if cfg.Name != "" {
				ds.discreteInputNames[addr] = cfg.Name
			}
		}
		for addr, cfg := range config.NamedHoldingRegs {
			ds.seedHoldingReg(addr, cfg.Value)
			if cfg.Name != "" {
				ds.holdingRegNames[addr] = cfg.Name
			}
		}
		for addr, cfg := range config.NamedInputRegs {
			ds.seedInputReg(addr, cfg.Value)
			if cfg.Name != "" {
				ds.inputRegNames[addr] = cfg.Name
			}
		}
	}

	return ds
}

// NewDataStoreWithStorage creates a DataStore whose contents are loaded from
// and written through to the given storage.
func NewDataStoreWithStorage(config *DataStoreConfig, storage persistence.Storage) (*DataStore, error) {
	ds := NewDataStore(config)
	snap, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("loading datastore: %w", err)
	}
	ds.storage = storage
	ds.snap = snap
	// Non-zero persisted values override configured initial values; a point
	// persisted as zero keeps its configured initial value.
	for i := range ds.coils {
		addr := int(ds.extents.Coils.Start) + i
		if addr < len(snap.Coils) && snap.Coils[addr] != 0 {
			ds.coils[i] = true
		}
	}
	for i := range ds.discreteInputs {
		addr := int(ds.extents.DiscreteInputs.Start) + i
		if addr < len(snap.DiscreteInputs) && snap.DiscreteInputs[addr] != 0 {
			ds.discreteInputs[i] = true
		}
	}
	for i := range ds.holdingRegs {
		addr := int(ds.extents.HoldingRegs.Start) + i
		if addr < len(snap.HoldingRegisters) && snap.HoldingRegisters[addr] != 0 {
			ds.holdingRegs[i] = snap.HoldingRegisters[addr]
		}
	}
	for i := range ds.inputRegs {
		addr := int(ds.extents.InputRegs.Start) + i
		if addr < len(snap.InputRegisters) && snap.InputRegisters[addr] != 0 {
			ds.inputRegs[i] = snap.InputRegisters[addr]
		}
	}
	return ds, nil
}

func (ds *DataStore) seedCoil(addr uint16, val bool) {
	if ds.extents.Coils.contains(addr, 1) {
		ds.coils[addr-ds.extents.Coils.Start] = val
	}
}

func (ds *DataStore) seedDiscreteInput(addr uint16, val bool) {
	if ds.extents.DiscreteInputs.contains(addr, 1) {
		ds.discreteInputs[addr-ds.extents.DiscreteInputs.Start] = val
	}
}

func (ds *DataStore) seedHoldingReg(addr, val uint16) {
	if ds.extents.HoldingRegs.contains(addr, 1) {
		ds.holdingRegs[addr-ds.extents.HoldingRegs.Start] = val
	}
}

func (ds *DataStore) seedInputReg(addr, val uint16) {
	if ds.extents.InputRegs.contains(addr, 1) {
		ds.inputRegs[addr-ds.extents.InputRegs.Start] = val
	}
}

// errIllegalAddress is the exception every out-of-extent access maps to.
func errIllegalAddress(address uint16, quantity uint16) error {
	return fmt.Errorf("address range %d-%d outside extents: %w",
		address, uint32(address)+uint32(quantity)-1,
		NewExceptionError(modbus.ExceptionCodeIllegalDataAddress))
}

// ReadCoils reads quantity coils starting at address.
func (ds *DataStore) ReadCoils(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if !ds.extents.Coils.contains(address, quantity) {
		return nil, errIllegalAddress(address, quantity)
	}
	result := make([]bool, quantity)
	copy(result, ds.coils[address-ds.extents.Coils.Start:])
	return result, nil
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address.
func (ds *DataStore) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if !ds.extents.DiscreteInputs.contains(address, quantity) {
		return nil, errIllegalAddress(address, quantity)
	}
	result := make([]bool, quantity)
	copy(result, ds.discreteInputs[address-ds.extents.DiscreteInputs.Start:])
	return result, nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (ds *DataStore) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if !ds.extents.HoldingRegs.contains(address, quantity) {
		return nil, errIllegalAddress(address, quantity)
	}
	result := make([]uint16, quantity)
	copy(result, ds.holdingRegs[address-ds.extents.HoldingRegs.Start:])
	return result, nil
}

// ReadInputRegisters reads quantity input registers starting at address.
func (ds *DataStore) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if !ds.extents.InputRegs.contains(address, quantity) {
		return nil, errIllegalAddress(address, quantity)
	}
	result := make([]uint16, quantity)
	copy(result, ds.inputRegs[address-ds.extents.InputRegs.Start:])
	return result, nil
}

// WriteSingleCoil writes a single coil at address.
func (ds *DataStore) WriteSingleCoil(address uint16, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.extents.Coils.contains(address, 1) {
		return errIllegalAddress(address, 1)
	}
	ds.coils[address-ds.extents.Coils.Start] = value
	ds.persistCoils(address, 1)
	return nil
}

// WriteMultipleCoils writes multiple coils starting at address.
func (ds *DataStore) WriteMultipleCoils(address uint16, values []bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	quantity := uint16(len(values))
	if !ds.extents.Coils.contains(address, quantity) {
		return errIllegalAddress(address, quantity)
	}
	copy(ds.coils[address-ds.extents.Coils.Start:], values)
	ds.persistCoils(address, quantity)
	return nil
}

// WriteSingleRegister writes a single holding register at address.
func (ds *DataStore) WriteSingleRegister(address, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.extents.HoldingRegs.contains(address, 1) {
		return errIllegalAddress(address, 1)
	}
	ds.holdingRegs[address-ds.extents.HoldingRegs.Start] = value
	ds.persistHoldingRegs(address, 1)
	return nil
}

// WriteMultipleRegisters writes multiple holding registers starting at address.
func (ds *DataStore) WriteMultipleRegisters(address uint16, values []uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	quantity := uint16(len(values))
	if !ds.extents.HoldingRegs.contains(address, quantity) {
		return errIllegalAddress(address, quantity)
	}
	copy(ds.holdingRegs[address-ds.extents.HoldingRegs.Start:], values)
	ds.persistHoldingRegs(address, quantity)
	return nil
}

// MaskWriteRegister performs an AND/OR mask write on a holding register.
func (ds *DataStore) MaskWriteRegister(address, andMask, orMask uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.extents.HoldingRegs.contains(address, 1) {
		return errIllegalAddress(address, 1)
	}
	// result = (current AND andMask) OR (orMask AND (NOT andMask))
	current := ds.holdingRegs[address-ds.extents.HoldingRegs.Start]
	result := (current & andMask) | (orMask & (^andMask))
	ds.holdingRegs[address-ds.extents.HoldingRegs.Start] = result
	ds.persistHoldingRegs(address, 1)
	return nil
}

// ExceptionStatus returns the eight exception status outputs served by
// function code 0x07.
func (ds *DataStore) ExceptionStatus() (byte, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.exceptionStatus, nil
}

// SetExceptionStatus sets the exception status outputs.
func (ds *DataStore) SetExceptionStatus(status byte) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.exceptionStatus = status
}

// SetDiscreteInput seeds a read-only discrete input. Intended for process
// simulation; returns an error outside the extent.
func (ds *DataStore) SetDiscreteInput(address uint16, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.extents.DiscreteInputs.contains(address, 1) {
		return errIllegalAddress(address, 1)
	}
	ds.discreteInputs[address-ds.extents.DiscreteInputs.Start] = value
	return nil
}

// SetInputRegister seeds a read-only input register.
func (ds *DataStore) SetInputRegister(address, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.extents.InputRegs.contains(address, 1) {
		return errIllegalAddress(address, 1)
	}
	ds.inputRegs[address-ds.extents.InputRegs.Start] = value
	return nil
}

// persistCoils mirrors a written coil range into the storage snapshot.
// Caller must hold the write lock.
func (ds *DataStore) persistCoils(address, quantity uint16) {
	if ds.storage == nil {
		return
	}
	for i := uint16(0); i < quantity; i++ {
		addr := address + i
		if int(addr) < len(ds.snap.Coils) {
			var b byte
			if ds.coils[addr-ds.extents.Coils.Start] {
				b = 1
			}
			ds.snap.Coils[addr] = b
		}
	}
	ds.storage.OnWrite(persistence.TableCoils, address, quantity)
}

// persistHoldingRegs mirrors a written register range into the storage
// snapshot. Caller must hold the write lock.
func (ds *DataStore) persistHoldingRegs(address, quantity uint16) {
	if ds.storage == nil {
		return
	}
	for i := uint16(0); i < quantity; i++ {
		addr := address + i
		if int(addr) < len(ds.snap.HoldingRegisters) {
			ds.snap.HoldingRegisters[addr] = ds.holdingRegs[addr-ds.extents.HoldingRegs.Start]
		}
	}
	ds.storage.OnWrite(persistence.TableHoldingRegisters, address, quantity)
}

// GetCoilName returns the name of a coil at the given address, if configured.
func (ds *DataStore) GetCoilName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.coilNames[address]
}

// GetDiscreteInputName returns the name of a discrete input at the given address, if configured.
func (ds *DataStore) GetDiscreteInputName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.discreteInputNames[address]
}

// GetHoldingRegName returns the name of a holding register at the given address, if configured.
func (ds *DataStore) GetHoldingRegName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.holdingRegNames[address]
}

// GetInputRegName returns the name of an input register at the given address, if configured.
func (ds *DataStore) GetInputRegName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.inputRegNames[address]
}

// GetDelayConfig returns the applicable delay configuration for a given register type and address.
// It checks for address-specific overrides first, then falls back to global defaults.
// Returns nil if no delay configuration is found.
func (ds *DataStore) GetDelayConfig(regType RegisterType, address uint16) *DelayConfig {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.delayConfig == nil {
		return nil
	}

	// Check for address-specific override first
	var addressConfig *DelayConfig
	switch regType {
	case RegisterTypeCoil:
		if cfg, ok := ds.delayConfig.Coils[address]; ok {
			addressConfig = &cfg
		}
	case RegisterTypeDiscreteInput:
		if cfg, ok := ds.delayConfig.DiscreteInputs[address]; ok {
			addressConfig = &cfg
		}
	case RegisterTypeHoldingReg:
		if cfg, ok := ds.delayConfig.HoldingRegs[address]; ok {
			addressConfig = &cfg
		}
	case RegisterTypeInputReg:
		if cfg, ok := ds.delayConfig.InputRegs[address]; ok {
			addressConfig = &cfg
		}
	}

	// If address-specific config exists, return it
	if addressConfig != nil {
		return addressConfig
	}

	// Fall back to global default for this register type
	if ds.delayConfig.Global != nil {
		if cfg, ok := ds.delayConfig.Global[regType]; ok {
			return &cfg
		}
	}

	return nil
}

// ApplyDelay applies the configured delay and checks for timeout simulation.
// Returns true if the request should proceed, false if it should timeout (no response).
func (ds *DataStore) ApplyDelay(regType RegisterType, address uint16) bool {
	return ds.ApplyDelayWithOptions(regType, address, false)
}

// ApplyDelayWithOptions applies the configured delay and optionally checks for timeout simulation.
// Returns true if the request should proceed, false if it should timeout (no response).
// If disableTimeout is true, timeout probability is ignored (useful for RTU/ASCII where timeouts don't work with PTYs).
func (ds *DataStore) ApplyDelayWithOptions(regType RegisterType, address uint16, disableTimeout bool) bool {
	cfg := ds.GetDelayConfig(regType, address)
	if cfg == nil {
		return true // No delay configured, proceed normally
	}

	// Check timeout probability first (unless disabled)
	if !disableTimeout && cfg.TimeoutProbability > 0 {
		if rand.Float64() < cfg.TimeoutProbability {
			// Simulate timeout - return false to indicate no response should be sent
			return false
		}
	}

	// Parse and apply delay if configured
	if cfg.Delay != "" {
		baseDuration, err := time.ParseDuration(cfg.Delay)
		if err != nil {
			// Invalid duration, skip delay
			return true
		}

		// Apply jitter if configured
		delay := baseDuration
		if cfg.Jitter > 0 && cfg.Jitter <= 100 {
			// Calculate jitter range: delay * (jitter / 100)
			jitterRange := float64(baseDuration) * (float64(cfg.Jitter) / 100.0)
			// Random jitter between -jitterRange and +jitterRange
			jitterAmount := (rand.Float64()*2 - 1) * jitterRange
			delay = baseDuration + time.Duration(jitterAmount)

			// Ensure delay doesn't go negative
			if delay < 0 {
				delay = 0
			}
		}

		if delay > 0 {
			time.Sleep(delay)
		}
	}

	return true // Proceed with normal response
}

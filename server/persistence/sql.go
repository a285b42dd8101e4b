// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log"
)

// SQLStorage persists the snapshot in a `modbus_registers` table, one row
// per persisted point, upserted incrementally on write.
//
// The driver (e.g. sqlite3) must be imported by the binary that selects
// this storage; only the driver name and DSN are configured here.
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
	snap   *Snapshot
	Logger *log.Logger
}

// NewSQLStorage creates a new SQLStorage for the given driver name and DSN.
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{driver: driver, dsn: dsn}
}

// Load connects, creates the schema when missing and reads all persisted
// points into a fresh snapshot.
func (s *SQLStorage) Load() (*Snapshot, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s.snap = NewSnapshot()

	rows, err := db.Query("SELECT table_type, address, value FROM modbus_registers")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("querying registers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t, addr, val int
		if err := rows.Scan(&t, &addr, &val); err != nil {
			continue
		}
		if addr < 0 || addr > MaxAddress {
			continue
		}
		switch TableType(t) {
		case TableCoils:
			s.snap.Coils[addr] = byte(val)
		case TableDiscreteInputs:
			s.snap.DiscreteInputs[addr] = byte(val)
		case TableHoldingRegisters:
			s.snap.HoldingRegisters[addr] = uint16(val)
		case TableInputRegisters:
			s.snap.InputRegisters[addr] = uint16(val)
		}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading registers: %w", err)
	}
	return s.snap, nil
}

func (s *SQLStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS modbus_registers (
		table_type INTEGER,
		address INTEGER,
		value INTEGER,
		PRIMARY KEY (table_type, address)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save upserts every non-zero point. OnWrite keeps the table current
// incrementally, so this is only needed for snapshotting.
func (s *SQLStorage) Save() error {
	if s.snap == nil {
		return nil
	}
	for addr, val := range s.snap.Coils {
		if val != 0 {
			if err := s.upsert(TableCoils, uint16(addr), int(val)); err != nil {
				return err
			}
		}
	}
	for addr, val := range s.snap.DiscreteInputs {
		if val != 0 {
			if err := s.upsert(TableDiscreteInputs, uint16(addr), int(val)); err != nil {
				return err
			}
		}
	}
	for addr, val := range s.snap.HoldingRegisters {
		if val != 0 {
			if err := s.upsert(TableHoldingRegisters, uint16(addr), int(val)); err != nil {
				return err
			}
		}
	}
	for addr, val := range s.snap.InputRegisters {
		if val != 0 {
			if err := s.upsert(TableInputRegisters, uint16(addr), int(val)); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnWrite upserts the modified range.
func (s *SQLStorage) OnWrite(table TableType, address, quantity uint16) {
	if s.snap == nil || s.db == nil {
		return
	}
	for i := uint16(0); i < quantity; i++ {
		addr := address + i
		var val int
		switch table {
		case TableCoils:
			val = int(s.snap.Coils[addr])
		case TableDiscreteInputs:
			val = int(s.snap.DiscreteInputs[addr])
		case TableHoldingRegisters:
			val = int(s.snap.HoldingRegisters[addr])
		case TableInputRegisters:
			val = int(s.snap.InputRegisters[addr])
		}
		if err := s.upsert(table, addr, val); err != nil {
			s.logf("persistence: upsert failed: %v", err)
			return
		}
	}
}

func (s *SQLStorage) upsert(table TableType, address uint16, value int) error {
	_, err := s.db.Exec(
		"INSERT INTO modbus_registers (table_type, address, value) VALUES (?, ?, ?) "+
			"ON CONFLICT (table_type, address) DO UPDATE SET value = excluded.value",
		int(table), int(address), value)
	return err
}

func (s *SQLStorage) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

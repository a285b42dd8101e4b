// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "fmt"

// Read device id codes for ReadDeviceIdentification (0x2B / MEI 0x0E).
const (
	ReadDeviceIDCodeBasic    = 1
	ReadDeviceIDCodeRegular  = 2
	ReadDeviceIDCodeExtended = 3
	ReadDeviceIDCodeSpecific = 4
)

// Standard device identification object ids.
const (
	DeviceIDObjectVendorName         = 0x00
	DeviceIDObjectProductCode        = 0x01
	DeviceIDObjectMajorMinorRevision = 0x02
)

// deviceIDMoreFollows flags a truncated object list; the next request must
// resume at the advertised next object id.
const deviceIDMoreFollows = 0xFF

// deviceIDStanza is one decoded 0x2B/0x0E confirmation:
//
//	MEI type              : 1 byte (0x0E)
//	Read device id code   : 1 byte
//	Conformity level      : 1 byte
//	More follows          : 1 byte (0x00 or 0xFF)
//	Next object id        : 1 byte
//	Number of objects     : 1 byte
//	Objects               : N x (id, length, value)
type deviceIDStanza struct {
	ReadDeviceIDCode byte
	ConformityLevel  byte
	MoreFollows      byte
	NextObjectID     byte
	Objects          map[byte][]byte
}

func decodeDeviceIdentification(data []byte) (*deviceIDStanza, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: device identification response length '%v' does not meet minimum '%v'", ErrShortFrame, len(data), 6)
	}
	if data[0] != MEITypeReadDeviceIdentification {
		return nil, fmt.Errorf("%w: MEI type '%v' does not match expected '%v'", ErrInvalidResponse, data[0], MEITypeReadDeviceIdentification)
	}
	stanza := &deviceIDStanza{
		ReadDeviceIDCode: data[1],
		ConformityLevel:  data[2],
		MoreFollows:      data[3],
		NextObjectID:     data[4],
		Objects:          make(map[byte][]byte),
	}
	count := int(data[5])
	offset := 6
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated object header at offset '%v'", ErrInvalidResponse, offset)
		}
		id := data[offset]
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return nil, fmt.Errorf("%w: object '%v' length '%v' exceeds response", ErrInvalidResponse, id, length)
		}
		value := make([]byte, length)
		copy(value, data[offset:offset+length])
		stanza.Objects[id] = value
		offset += length
	}
	return stanza, nil
}

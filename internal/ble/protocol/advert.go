package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Advertisement data types from the Bluetooth assigned numbers.
const (
	ADTypeFlags                  = 0x01
	ADTypeIncompleteServices128  = 0x06
	ADTypeCompleteServices128    = 0x07
	ADTypeShortLocalName         = 0x08
	ADTypeCompleteLocalName      = 0x09
	ADTypeTxPowerLevel           = 0x0A
	ADTypeServiceSolicitation128 = 0x15
	ADTypeManufacturerData       = 0xFF
)

// Section is one length-type-value structure of advertisement data.
type Section struct {
	Type byte
	Data []byte
}

// ParseSections splits raw advertisement data into sections. A zero
// length byte ends the data (padding).
func ParseSections(raw []byte) ([]Section, error) {
	var sections []Section
	for i := 0; i < len(raw); {
		n := int(raw[i])
		if n == 0 {
			break
		}
		i++
		if i+n > len(raw) {
			return sections, fmt.Errorf("protocol: AD section length %d exceeds remaining %d bytes", n, len(raw)-i)
		}
		data := make([]byte, n-1)
		copy(data, raw[i+1:i+n])
		sections = append(sections, Section{Type: raw[i], Data: data})
		i += n
	}
	return sections, nil
}

// EncodeSections is the inverse of ParseSections.
func EncodeSections(sections []Section) ([]byte, error) {
	var buf []byte
	for _, s := range sections {
		if len(s.Data)+1 > 0xFF {
			return nil, fmt.Errorf("protocol: AD section type 0x%02x too long: %d bytes", s.Type, len(s.Data))
		}
		buf = append(buf, byte(len(s.Data)+1), s.Type)
		buf = append(buf, s.Data...)
	}
	return buf, nil
}

// SolicitationSection builds the 128-bit Service Solicitation section for
// id. UUIDs travel little-endian over the air.
func SolicitationSection(id uuid.UUID) Section {
	data := make([]byte, len(id))
	for i := range id {
		data[i] = id[len(id)-1-i]
	}
	return Section{Type: ADTypeServiceSolicitation128, Data: data}
}

// SolicitsService reports whether any 128-bit Service Solicitation section
// lists id. Each 16-byte entry is compared with its bytes reversed against
// the canonical big-endian form of id.
func SolicitsService(sections []Section, id uuid.UUID) bool {
	for _, s := range sections {
		if s.Type != ADTypeServiceSolicitation128 || len(s.Data)%len(id) != 0 {
			continue
		}
		for off := 0; off < len(s.Data); off += len(id) {
			if reversedEqual(s.Data[off:off+len(id)], id) {
				return true
			}
		}
	}
	return false
}

func reversedEqual(le []byte, id uuid.UUID) bool {
	for i := range id {
		if le[len(le)-1-i] != id[i] {
			return false
		}
	}
	return true
}

// LocalName returns the complete local name, falling back to the
// shortened one.
func LocalName(sections []Section) string {
	short := ""
	for _, s := range sections {
		switch s.Type {
		case ADTypeCompleteLocalName:
			return string(s.Data)
		case ADTypeShortLocalName:
			short = string(s.Data)
		}
	}
	return short
}

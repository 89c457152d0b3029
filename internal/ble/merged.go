package ble

import (
	"time"

	"github.com/ciniml/imble/internal/ble/protocol"
)

// SplitMerged rebuilds the scan response and primary advertisement from
// a report in which the platform has already merged the two. Service
// Solicitation sections go to the scan response, which is only produced
// when there are any; everything else stays in the primary
// advertisement. If name is empty it is taken from the sections.
func SplitMerged(addr Address, raw []byte, sections []protocol.Section, name string, rssi int16, at time.Time) []Advertisement {
	var solicit, rest []protocol.Section
	for _, s := range sections {
		if s.Type == protocol.ADTypeServiceSolicitation128 {
			solicit = append(solicit, s)
		} else {
			rest = append(rest, s)
		}
	}
	if name == "" {
		name = protocol.LocalName(rest)
	}

	out := make([]Advertisement, 0, 2)
	if len(solicit) > 0 {
		out = append(out, Advertisement{
			Address:      addr,
			ScanResponse: true,
			Sections:     solicit,
			RSSI:         rssi,
			Timestamp:    at,
		})
	}
	return append(out, Advertisement{
		Address:   addr,
		Payload:   raw,
		Sections:  rest,
		LocalName: name,
		RSSI:      rssi,
		Timestamp: at,
	})
}

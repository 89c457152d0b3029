package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

var testService = uuid.MustParse("ada99a7f-888b-4e9f-8080-07ddc240f3ce")

func TestParseSections(t *testing.T) {
	raw := []byte{
		0x02, ADTypeFlags, 0x06,
		0x06, ADTypeCompleteLocalName, 'I', 'M', 'B', 'L', 'E',
		0x00, 0x00, // padding
	}
	sections, err := ParseSections(raw)
	if err != nil {
		t.Fatalf("ParseSections() error = %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	if sections[0].Type != ADTypeFlags || !bytes.Equal(sections[0].Data, []byte{0x06}) {
		t.Errorf("sections[0] = %+v", sections[0])
	}
	if LocalName(sections) != "IMBLE" {
		t.Errorf("LocalName() = %q, want %q", LocalName(sections), "IMBLE")
	}
}

func TestParseSectionsTruncated(t *testing.T) {
	_, err := ParseSections([]byte{0x05, ADTypeCompleteLocalName, 'a'})
	if err == nil {
		t.Error("ParseSections() should fail on a truncated section")
	}
}

func TestEncodeSectionsRoundTrip(t *testing.T) {
	in := []Section{
		{Type: ADTypeShortLocalName, Data: []byte("IM")},
		SolicitationSection(testService),
	}
	raw, err := EncodeSections(in)
	if err != nil {
		t.Fatalf("EncodeSections() error = %v", err)
	}
	out, err := ParseSections(raw)
	if err != nil {
		t.Fatalf("ParseSections() error = %v", err)
	}
	if len(out) != 2 || !bytes.Equal(out[1].Data, in[1].Data) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestSolicitsService(t *testing.T) {
	sec := SolicitationSection(testService)
	// Over the air the last canonical byte comes first.
	if sec.Data[0] != 0xce || sec.Data[15] != 0xad {
		t.Fatalf("solicitation bytes = %x, want little-endian", sec.Data)
	}
	if !SolicitsService([]Section{sec}, testService) {
		t.Error("SolicitsService() = false for matching section")
	}

	other := uuid.MustParse("ada99a7f-888b-4e9f-8081-07ddc240f3ce")
	if SolicitsService([]Section{sec}, other) {
		t.Error("SolicitsService() = true for a different UUID")
	}

	wrongType := Section{Type: ADTypeCompleteServices128, Data: sec.Data}
	if SolicitsService([]Section{wrongType}, testService) {
		t.Error("SolicitsService() = true for a non-solicitation section")
	}

	canonical := Section{Type: ADTypeServiceSolicitation128, Data: testService[:]}
	if SolicitsService([]Section{canonical}, testService) {
		t.Error("SolicitsService() = true for unreversed bytes")
	}
}

func TestSolicitsServiceListsSeveral(t *testing.T) {
	other := uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	data := append(SolicitationSection(other).Data, SolicitationSection(testService).Data...)
	sec := Section{Type: ADTypeServiceSolicitation128, Data: data}
	if !SolicitsService([]Section{sec}, testService) {
		t.Error("SolicitsService() = false when the target is the second entry")
	}
}

func TestLocalNameFallsBackToShort(t *testing.T) {
	sections := []Section{{Type: ADTypeShortLocalName, Data: []byte("IMB")}}
	if got := LocalName(sections); got != "IMB" {
		t.Errorf("LocalName() = %q, want %q", got, "IMB")
	}
}

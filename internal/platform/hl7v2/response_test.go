package hl7v2

import (
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 1, 15, 12, 30, 45, 123000000, time.UTC)

func testResponder() *Responder {
	return &Responder{App: "LAB", Facility: "FAC", Now: func() time.Time { return fixedNow }}
}

// =========== ACK Tests ===========

func TestResponder_ACKAccept(t *testing.T) {
	in := ParseInbound([]byte(testORU))
	ack := testResponder().ACK(in, AckAccept, "")

	lines := strings.Split(string(ack), "\r")
	if len(lines) != 2 {
		t.Fatalf("expected 2 segments, got %d: %q", len(lines), ack)
	}

	want := "MSH|^~\\&|LAB|FAC|KT6610|GEN1-LAB|20240115123045||ACK^R01|20240115123045123|P|2.3.1"
	if lines[0] != want {
		t.Errorf("unexpected MSH:\n  want %q\n  got  %q", want, lines[0])
	}
	if lines[1] != "MSA|AA|MSG001" {
		t.Errorf("expected 'MSA|AA|MSG001', got %q", lines[1])
	}
}

func TestResponder_ACKErrorWithText(t *testing.T) {
	in := ParseInbound([]byte(testORU))
	ack := parseTestMessage(t, string(testResponder().ACK(in, AckError, "sin_orden")))

	msa := ack.GetSegment("MSA")
	if msa.GetField(1) != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", msa.GetField(1))
	}
	if msa.GetField(3) != "sin_orden" {
		t.Errorf("expected MSA-3 'sin_orden', got %q", msa.GetField(3))
	}
}

func TestResponder_ACKWithoutHeader(t *testing.T) {
	in := ParseInbound([]byte("OBR|1||001013"))
	ack := parseTestMessage(t, string(testResponder().ACK(in, AckError, "")))

	if ack.Type != "ACK" {
		t.Errorf("expected bare ACK type, got %q", ack.Type)
	}
	if got := ack.GetSegment("MSA").GetField(2); got != "" {
		t.Errorf("expected empty MSA-2, got %q", got)
	}
}

func TestResponder_ACKSanitizesText(t *testing.T) {
	in := ParseInbound([]byte(testORU))
	ack := string(testResponder().ACK(in, AckError, "bad|value\rhere"))
	if !strings.HasSuffix(ack, "MSA|AE|MSG001|bad value here") {
		t.Errorf("expected sanitized text, got %q", ack)
	}
}

// =========== Query Response Tests ===========

func TestResponder_QueryResponse(t *testing.T) {
	raw := "MSH|^~\\&|KT6610|GEN1-LAB|||20240115||QRY^Q02|Q001|P|2.3.1\rQRD|20240115|R|I|Q001|||1^RD|001013|DEM"
	in := ParseInbound([]byte(raw))
	birth := time.Date(1985, 3, 9, 0, 0, 0, 0, time.UTC)

	resp := testResponder().QueryResponse(in, Demographics{
		SampleID:  "001013",
		Document:  "12345678",
		Name:      "Ana Perez",
		Sex:       "femenino",
		BirthDate: &birth,
	})

	lines := strings.Split(string(resp), "\r")
	if len(lines) != 4 {
		t.Fatalf("expected 4 segments, got %d: %q", len(lines), resp)
	}
	if !strings.Contains(lines[0], "|ADR^A19|") {
		t.Errorf("expected ADR^A19 in MSH, got %q", lines[0])
	}
	if lines[1] != "MSA|AA|Q001" {
		t.Errorf("expected 'MSA|AA|Q001', got %q", lines[1])
	}
	if lines[2] != "QRD|20240115|R|I|Q001|||1^RD|001013|DEM" {
		t.Errorf("expected QRD echoed verbatim, got %q", lines[2])
	}
	if lines[3] != "PID|1|001013||12345678||ANA PEREZ||19850309|F" {
		t.Errorf("unexpected PID %q", lines[3])
	}
}

func TestResponder_QueryResponseSynthesizesQRD(t *testing.T) {
	in := ParseInbound([]byte("MSH|^~\\&|A|B||||||ORM^O01|C9|P|2.3.1\rORC|NW||001013"))
	resp := parseTestMessage(t, string(testResponder().QueryResponse(in, Demographics{SampleID: "001013"})))

	qrd := resp.GetSegment("QRD")
	if qrd == nil {
		t.Fatal("expected synthesized QRD")
	}
	if qrd.GetField(8) != "001013" {
		t.Errorf("expected QRD-8 '001013', got %q", qrd.GetField(8))
	}
	pid := resp.GetSegment("PID")
	if pid.GetField(8) != "" {
		t.Errorf("expected empty birth date, got %q", pid.GetField(8))
	}
	if pid.GetField(9) != "U" {
		t.Errorf("expected sex 'U', got %q", pid.GetField(9))
	}
}

// =========== Helper Tests ===========

func TestNormalizeSex(t *testing.T) {
	tests := map[string]string{
		"M":         "M",
		"masculino": "M",
		" f ":       "F",
		"Femenino":  "F",
		"":          "U",
		"X":         "U",
	}
	for in, want := range tests {
		if got := NormalizeSex(in); got != want {
			t.Errorf("NormalizeSex(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestControlIDAt(t *testing.T) {
	if got := ControlIDAt(fixedNow); got != "20240115123045123" {
		t.Errorf("expected '20240115123045123', got %q", got)
	}
}

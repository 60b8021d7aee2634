package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

const (
	// AckAccept is the MSA-1 code for an accepted message.
	AckAccept = "AA"
	// AckError is the MSA-1 code for a rejected message.
	AckError = "AE"

	// ResponseVersion is the HL7 version written in every reply header.
	ResponseVersion = "2.3.1"

	// QueryResponseType is MSH-9 of a demographic query response.
	QueryResponseType = "ADR^A19"

	hl7TimestampLayout = "20060102150405"
)

// Demographics is the patient data returned in a query response.
type Demographics struct {
	SampleID  string
	Document  string
	Name      string
	Sex       string
	BirthDate *time.Time
}

// Responder builds ACK and query response payloads. App and Facility are
// written as MSH-3/MSH-4 of every reply.
type Responder struct {
	App      string
	Facility string
	Now      func() time.Time
}

// NewResponder creates a Responder using the wall clock.
func NewResponder(app, facility string) *Responder {
	return &Responder{App: app, Facility: facility, Now: time.Now}
}

// ACK builds an acknowledgement for the inbound message. code is AckAccept
// or AckError; text, when non-empty, is appended as MSA-3.
func (r *Responder) ACK(in *ParseOutcome, code, text string) []byte {
	msgType := "ACK"
	if in.Trigger != "" {
		msgType = "ACK^" + in.Trigger
	}
	return SerializeSegments(r.header(in, msgType), msa(code, in.ControlID, text))
}

// QueryResponse builds the ADR^A19 reply for a resolved patient: header,
// accept acknowledgement, the query definition echo and a PID segment.
func (r *Responder) QueryResponse(in *ParseOutcome, d Demographics) []byte {
	qrd := in.QRD
	if qrd == "" {
		qrd = fmt.Sprintf("QRD|%s|R|I|%s|||1^RD|%s|DEM", r.now().Format(hl7TimestampLayout), clean(in.ControlID), clean(d.SampleID))
	}

	birth := ""
	if d.BirthDate != nil {
		birth = d.BirthDate.Format("20060102")
	}

	pid := fmt.Sprintf("PID|1|%s||%s||%s||%s|%s",
		clean(d.SampleID),
		clean(d.Document),
		strings.ToUpper(clean(d.Name)),
		birth,
		NormalizeSex(d.Sex),
	)

	return SerializeSegments(
		r.header(in, QueryResponseType),
		msa(AckAccept, in.ControlID, ""),
		qrd,
		pid,
	)
}

func (r *Responder) header(in *ParseOutcome, msgType string) string {
	now := r.now()
	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||%s|%s|P|%s",
		clean(r.App), clean(r.Facility),
		clean(in.SendingApp), clean(in.SendingFac),
		now.Format(hl7TimestampLayout),
		msgType,
		ControlIDAt(now),
		ResponseVersion,
	)
}

func (r *Responder) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func msa(code, controlID, text string) string {
	s := "MSA|" + code + "|" + clean(controlID)
	if text != "" {
		s += "|" + clean(text)
	}
	return s
}

// ControlIDAt derives a message control ID from a timestamp with
// millisecond resolution.
func ControlIDAt(t time.Time) string {
	return strings.ReplaceAll(t.Format("20060102150405.000"), ".", "")
}

// NormalizeSex maps stored sex values to the HL7 administrative sex codes
// M, F or U.
func NormalizeSex(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case s == "":
		return "U"
	case strings.HasPrefix(s, "M"):
		return "M"
	case strings.HasPrefix(s, "F"):
		return "F"
	default:
		return "U"
	}
}

// clean strips characters that would break the segment grammar.
func clean(s string) string {
	return strings.NewReplacer("|", " ", "\r", " ", "\n", " ").Replace(strings.TrimSpace(s))
}

package hl7v2

import (
	"strconv"
	"strings"
)

// ValueTypeEmbedded is the OBX-2 value type for encapsulated data (images).
const ValueTypeEmbedded = "ED"

// graphicMarkers identify histogram and scatter plots or other binary
// payloads that analyzers send as OBX lines. Matched upper-cased.
var graphicMarkers = []string{"HISTOGRAM", "SCATTER", "BINARY"}

// ObservationItem is one OBX line reduced to the fields the loader needs.
type ObservationItem struct {
	Seq           int    `json:"seq"`
	Code          string `json:"code"`
	Value         string `json:"value"`
	Unit          string `json:"unit"`
	Reference     string `json:"reference"`
	ValueType     string `json:"value_type"`
	RawIdentifier string `json:"raw_identifier"`
	Raw           string `json:"-"`
}

// Graphic reports whether the item carries an image or another binary
// payload instead of a loadable result.
func (it ObservationItem) Graphic() bool {
	if strings.EqualFold(it.ValueType, ValueTypeEmbedded) {
		return true
	}
	text := strings.ToUpper(it.RawIdentifier + " " + it.Code)
	for _, marker := range graphicMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// ParseOutcome is everything the engine extracts from one inbound payload.
// Every field is best effort: absent or short segments yield "".
type ParseOutcome struct {
	MSH string `json:"msh"`
	PID string `json:"pid"`
	OBR string `json:"obr"`
	ORC string `json:"orc"`
	QRD string `json:"qrd"`
	OBX string `json:"obx"`

	SendingApp  string `json:"sending_app"`
	SendingFac  string `json:"sending_facility"`
	MessageType string `json:"message_type"`
	Trigger     string `json:"trigger"`
	ControlID   string `json:"control_id"`

	SampleID  string            `json:"sample_id"`
	ExamCodes string            `json:"exam_codes"`
	HasOBX    bool              `json:"has_obx"`
	Items     []ObservationItem `json:"items"`

	// Images holds every ED line, including those without a code, which
	// are kept out of Items.
	Images []ObservationItem `json:"images,omitempty"`
}

// Loadable returns the items that can become results, and the number of
// graphic items that were set aside.
func (p *ParseOutcome) Loadable() (items []ObservationItem, graphic int) {
	for _, it := range p.Items {
		if it.Graphic() {
			graphic++
			continue
		}
		items = append(items, it)
	}
	return items, graphic
}

// Embedded returns the OBX lines whose value type is ED, with or without
// an observation code.
func (p *ParseOutcome) Embedded() []ObservationItem {
	return p.Images
}

// ParseInbound extracts segments, header fields, the sample identifier and
// the OBX items from a raw payload. It never fails; an unparseable payload
// yields an empty outcome. The payload is passed through Text first.
func ParseInbound(raw []byte) *ParseOutcome {
	out := &ParseOutcome{}
	msg, err := Parse(Text(raw))
	if err != nil {
		return out
	}
	return Extract(msg)
}

// Extract builds a ParseOutcome from an already parsed message.
func Extract(msg *Message) *ParseOutcome {
	out := &ParseOutcome{
		SendingApp:  strings.TrimSpace(msg.SendingApp),
		SendingFac:  strings.TrimSpace(msg.SendingFac),
		MessageType: strings.TrimSpace(msg.Type),
		Trigger:     strings.TrimSpace(msg.Trigger()),
		ControlID:   strings.TrimSpace(msg.ControlID),
	}

	msh := msg.GetSegment("MSH")
	pid := msg.GetSegment("PID")
	obr := msg.GetSegment("OBR")
	orc := msg.GetSegment("ORC")
	qrd := msg.GetSegment("QRD")

	out.MSH = rawOf(msh)
	out.PID = rawOf(pid)
	out.OBR = rawOf(obr)
	out.ORC = rawOf(orc)
	out.QRD = rawOf(qrd)

	if obr != nil {
		out.ExamCodes = strings.TrimSpace(obr.GetField(4))
	}

	out.SampleID = resolveSampleID(
		fieldOf(obr, 3), fieldOf(obr, 2),
		fieldOf(orc, 3),
		fieldOf(pid, 3),
		fieldOf(qrd, 8),
	)

	var obxLines []string
	for _, seg := range msg.GetSegments("OBX") {
		out.HasOBX = true
		obxLines = append(obxLines, seg.Raw)
		item := parseObservation(seg)
		if strings.EqualFold(item.ValueType, ValueTypeEmbedded) {
			out.Images = append(out.Images, item)
		}
		if item.Code != "" {
			out.Items = append(out.Items, item)
		}
	}
	out.OBX = strings.Join(obxLines, "\n")

	return out
}

// resolveSampleID returns the first non-empty candidate, truncated at its
// first component separator and trimmed. Candidates are given in precedence
// order: OBR-3, OBR-2, ORC-3, PID-3, QRD-8.
func resolveSampleID(candidates ...string) string {
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if i := strings.IndexByte(c, '^'); i >= 0 {
			c = c[:i]
		}
		return strings.TrimSpace(c)
	}
	return ""
}

// parseObservation reads one OBX segment. Code is empty when OBX-3 has no
// second component.
func parseObservation(seg Segment) ObservationItem {
	identifier := seg.GetField(3)
	item := ObservationItem{
		Seq:           parseSeq(seg.GetField(1)),
		ValueType:     strings.TrimSpace(seg.GetField(2)),
		RawIdentifier: identifier,
		Code:          observationCode(identifier),
		Raw:           seg.Raw,
	}
	valueIdx, unitIdx, refIdx := 5, 6, 7
	if shiftedValueLayout(seg) {
		valueIdx, unitIdx, refIdx = 6, 7, 8
	}
	item.Value = strings.TrimSpace(seg.GetField(valueIdx))
	item.Unit = strings.TrimSpace(seg.GetField(unitIdx))
	item.Reference = strings.TrimSpace(seg.GetField(refIdx))
	return item
}

// observationCode returns OBX-3.2, or "" when OBX-3 has no second
// component.
func observationCode(identifier string) string {
	parts := strings.Split(identifier, "^")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseSeq parses OBX-1, defaulting to 0.
func parseSeq(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// shiftedValueLayout detects analyzers that emit one extra empty field
// before the value: OBX-5 is empty, OBX-6 is a number and OBX-8 is a range.
func shiftedValueLayout(seg Segment) bool {
	if strings.TrimSpace(seg.GetField(5)) != "" {
		return false
	}
	if _, ok := parseNumber(seg.GetField(6)); !ok {
		return false
	}
	return looksLikeRange(seg.GetField(8))
}

func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func looksLikeRange(s string) bool {
	s = strings.TrimSpace(s)
	i := strings.Index(s[min(1, len(s)):], "-")
	if i < 0 {
		return false
	}
	i++
	_, lowOK := parseNumber(s[:i])
	_, highOK := parseNumber(s[i+1:])
	return lowOK && highOK
}

func rawOf(seg *Segment) string {
	if seg == nil {
		return ""
	}
	return seg.Raw
}

func fieldOf(seg *Segment, index int) string {
	if seg == nil {
		return ""
	}
	return seg.GetField(index)
}

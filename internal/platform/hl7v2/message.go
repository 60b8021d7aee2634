package hl7v2

import (
	"fmt"
	"strings"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type       string // MSH-9 message type (e.g. "ORU^R01")
	ControlID  string // MSH-10
	Version    string // MSH-12 (e.g. "2.3.1")
	SendingApp string // MSH-3
	SendingFac string // MSH-4
	Segments   []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Raw    string // the segment line as received
	Fields []Field
}

// Field represents a field and its caret-separated components.
type Field struct {
	Value      string
	Components []string
}

// Parse splits raw HL7v2 bytes into segments and fields. It accepts \r, \n
// and \r\n as segment terminators. Lines shorter than a segment tag are
// dropped and a missing MSH only leaves the header fields empty; the only
// error is an input with no segments at all.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	msg := &Message{}
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		msg.Segments = append(msg.Segments, parseSegment(line))
	}

	if len(msg.Segments) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if msh := msg.GetSegment("MSH"); msh != nil {
		msg.SendingApp = msh.GetField(3)
		msg.SendingFac = msh.GetField(4)
		msg.Type = msh.GetField(9)
		msg.ControlID = msh.GetField(10)
		msg.Version = msh.GetField(12)
	}

	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) Segment {
	seg := Segment{Name: line[:3], Raw: line}

	// MSH is special: the field separator (|) is MSH-1 itself, so the
	// fields start one position later than in every other segment.
	if seg.Name == "MSH" {
		if len(line) < 4 {
			return seg
		}
		fieldSep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})
		for _, part := range strings.Split(line[4:], fieldSep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg
	}

	parts := strings.SplitN(line, "|", 2)
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg
}

func parseField(raw string) Field {
	return Field{Value: raw, Components: strings.Split(raw, "^")}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Has reports whether at least one segment with the given name is present.
func (m *Message) Has(name string) bool {
	return m.GetSegment(name) != nil
}

// GetField returns the value of a field by 1-based HL7 position. For MSH,
// MSH-1 is Fields[0] (the field separator); for every other segment field 1
// is Fields[0] as well, so the lookup is the same. Out of range yields "".
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component
// indices, or "" when either is out of range.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// Trigger returns the trigger event of the message type (MSH-9.2), e.g.
// "R01" for "ORU^R01".
func (m *Message) Trigger() string {
	if parts := strings.SplitN(m.Type, "^", 3); len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// SerializeSegments joins segment lines with the HL7 segment separator.
func SerializeSegments(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r"))
}

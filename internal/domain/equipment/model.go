package equipment

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when an instrument does not exist.
var ErrNotFound = errors.New("equipment: not found")

// Instrument maps to the equipment table: one configured analyzer.
type Instrument struct {
	ID           int64     `db:"id" json:"id"`
	Code         string    `db:"code" json:"code"`
	Name         string    `db:"name" json:"name"`
	Manufacturer string    `db:"manufacturer" json:"manufacturer"`
	Model        string    `db:"model" json:"model"`
	Integration  string    `db:"integration" json:"integration"`
	Host         string    `db:"host" json:"host"`
	Port         string    `db:"port" json:"port"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Mapping maps to the equipment_mapping table: how one native observation
// code of an instrument lands on an internal exam parameter.
type Mapping struct {
	ID           int64  `db:"id" json:"id"`
	InstrumentID int64  `db:"equipment_id" json:"equipment_id"`
	DeviceCode   string `db:"device_code" json:"device_code"`
	ExamID       *int64 `db:"exam_id" json:"exam_id,omitempty"`
	Parameter    string `db:"parameter" json:"parameter"`
	Active       bool   `db:"active" json:"active"`
}

// Usable reports whether the mapping links to an exam and names a parameter.
func (m *Mapping) Usable() bool {
	return m.ExamID != nil && strings.TrimSpace(m.Parameter) != ""
}

// MappingTable indexes the active mappings of one instrument by device code.
// Codes are matched exactly; only surrounding blanks are trimmed.
type MappingTable struct {
	byCode map[string]*Mapping
}

// NewMappingTable builds a lookup table. Inactive rows are left out; when
// two rows share a code the lower id wins.
func NewMappingTable(mappings []*Mapping) *MappingTable {
	t := &MappingTable{byCode: make(map[string]*Mapping, len(mappings))}
	for _, m := range mappings {
		if !m.Active {
			continue
		}
		code := strings.TrimSpace(m.DeviceCode)
		if code == "" {
			continue
		}
		if prev, ok := t.byCode[code]; !ok || m.ID < prev.ID {
			t.byCode[code] = m
		}
	}
	return t
}

// Len returns the number of active mappings.
func (t *MappingTable) Len() int {
	return len(t.byCode)
}

// Lookup finds the mapping for a native code. The match is case-sensitive.
func (t *MappingTable) Lookup(code string) (*Mapping, bool) {
	m, ok := t.byCode[strings.TrimSpace(code)]
	return m, ok
}

package inbound

import (
	"errors"
	"time"

	"github.com/lis/lis/internal/platform/hl7v2"
)

// ErrNotFound is returned when a stored message or image does not exist.
var ErrNotFound = errors.New("inbound: not found")

// Message states.
const (
	StateReceived  = "recibido"
	StateProcessed = "procesado"
	StateNoResults = "sin_resultados"
)

// Message maps to the hl7_message table: one received payload together with
// its extracted segments and the terminal state chosen by the engine.
type Message struct {
	ID             int64      `db:"id" json:"id"`
	ReceivedAt     time.Time  `db:"received_at" json:"received_at"`
	PeerAddress    string     `db:"peer_address" json:"peer_address"`
	Raw            string     `db:"raw" json:"raw"`
	MSH            string     `db:"msh" json:"msh"`
	PID            string     `db:"pid" json:"pid"`
	OBR            string     `db:"obr" json:"obr"`
	ORC            string     `db:"orc" json:"orc"`
	QRD            string     `db:"qrd" json:"qrd"`
	OBX            string     `db:"obx" json:"obx"`
	SampleID       string     `db:"sample_id" json:"sample_id"`
	ExamCodes      string     `db:"exam_codes" json:"exam_codes"`
	MessageType    string     `db:"message_type" json:"message_type"`
	ControlID      string     `db:"control_id" json:"control_id"`
	State          string     `db:"state" json:"state"`
	Reason         string     `db:"reason" json:"reason"`
	InstrumentCode string     `db:"instrument_code" json:"instrument_code"`
	ProcessedAt    *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// NewMessage builds the record stored for a payload received from peer. Raw
// is normalised with hl7v2.Text so it fits a TEXT column.
func NewMessage(peer string, raw []byte, p *hl7v2.ParseOutcome) *Message {
	return &Message{
		PeerAddress: peer,
		Raw:         string(hl7v2.Text(raw)),
		MSH:         p.MSH,
		PID:         p.PID,
		OBR:         p.OBR,
		ORC:         p.ORC,
		QRD:         p.QRD,
		OBX:         p.OBX,
		SampleID:    p.SampleID,
		ExamCodes:   p.ExamCodes,
		MessageType: p.MessageType,
		ControlID:   p.ControlID,
		State:       StateReceived,
	}
}

// Image maps to the hl7_image table. Rows are removed with their message.
type Image struct {
	ID        int64     `db:"id" json:"id"`
	MessageID int64     `db:"message_id" json:"message_id"`
	Name      string    `db:"name" json:"name"`
	Kind      string    `db:"kind" json:"kind"`
	Format    string    `db:"format" json:"format"`
	Size      int       `db:"-" json:"size"`
	Data      []byte    `db:"data" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Finish is the terminal update applied once per message.
type Finish struct {
	State          string
	Reason         string
	InstrumentCode string
}

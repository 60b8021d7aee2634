package laboratory

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an order, order exam or patient does not exist.
var ErrNotFound = errors.New("laboratory: not found")

// Order states written by the engine.
const (
	OrderPendingValidation = "por_validar"
)

// Order exam states the engine reads or writes.
const (
	ExamPending   = "pendiente"
	ExamProcessed = "procesado"
	ExamValidated = "validado"
)

// Patient maps to the patient table. Owned by the order entry side; read
// only here.
type Patient struct {
	ID        int64      `db:"id" json:"id"`
	Document  string     `db:"document" json:"document"`
	FullName  string     `db:"full_name" json:"full_name"`
	Sex       string     `db:"sex" json:"sex"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
}

// Order maps to the lab_order table.
type Order struct {
	ID        int64     `db:"id" json:"id"`
	Number    string    `db:"order_number" json:"order_number"`
	PatientID int64     `db:"patient_id" json:"patient_id"`
	State     string    `db:"state" json:"state"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// OrderExam maps to the order_exam table: one exam requested on an order.
type OrderExam struct {
	ID      int64  `db:"id" json:"id"`
	OrderID int64  `db:"order_id" json:"order_id"`
	ExamID  int64  `db:"exam_id" json:"exam_id"`
	State   string `db:"state" json:"state"`
}

// Result maps to the result table, keyed by (order exam, parameter).
type Result struct {
	ID          int64     `db:"id" json:"id"`
	OrderExamID int64     `db:"order_exam_id" json:"order_exam_id"`
	Parameter   string    `db:"parameter" json:"parameter"`
	Value       *string   `db:"value" json:"value,omitempty"`
	Unit        *string   `db:"unit" json:"unit,omitempty"`
	Reference   *string   `db:"reference" json:"reference,omitempty"`
	OutOfRange  bool      `db:"out_of_range" json:"out_of_range"`
	Seq         int       `db:"seq" json:"seq"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

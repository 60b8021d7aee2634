package laboratory

import "context"

// Repository is the surface the engine reads and writes on the laboratory
// side. It never creates orders or order exams.
type Repository interface {
	GetOrderByNumber(ctx context.Context, number string) (*Order, error)
	GetPatient(ctx context.Context, id int64) (*Patient, error)
	GetOrderExam(ctx context.Context, orderID, examID int64) (*OrderExam, error)

	// UpsertResult inserts or updates the result for (OrderExamID,
	// Parameter) and reports whether a new row was created.
	UpsertResult(ctx context.Context, r *Result) (created bool, err error)

	// MarkOrderPendingValidation moves the order to OrderPendingValidation
	// unless it is already there.
	MarkOrderPendingValidation(ctx context.Context, orderID int64) error

	// MarkExamsProcessed moves every exam of the order that is not
	// validated to ExamProcessed and returns how many rows changed.
	MarkExamsProcessed(ctx context.Context, orderID int64) (int64, error)
}

package laboratory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lis/lis/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type laboratoryRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &laboratoryRepoPG{pool: pool}
}

func (r *laboratoryRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `id, order_number, patient_id, state, created_at`

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (r *laboratoryRepoPG) GetOrderByNumber(ctx context.Context, number string) (*Order, error) {
	var o Order
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE order_number = $1`, number).
		Scan(&o.ID, &o.Number, &o.PatientID, &o.State, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get order "+number)
	}
	return &o, nil
}

func (r *laboratoryRepoPG) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, document, full_name, sex, birth_date FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.Document, &p.FullName, &p.Sex, &p.BirthDate)
	if err != nil {
		return nil, notFound(err, "get patient")
	}
	return &p, nil
}

func (r *laboratoryRepoPG) GetOrderExam(ctx context.Context, orderID, examID int64) (*OrderExam, error) {
	var oe OrderExam
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, order_id, exam_id, state FROM order_exam
		WHERE order_id = $1 AND exam_id = $2 ORDER BY id LIMIT 1`, orderID, examID).
		Scan(&oe.ID, &oe.OrderID, &oe.ExamID, &oe.State)
	if err != nil {
		return nil, notFound(err, "get order exam")
	}
	return &oe, nil
}

func (r *laboratoryRepoPG) UpsertResult(ctx context.Context, res *Result) (bool, error) {
	var created bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO result (order_exam_id, parameter, value, unit, reference, out_of_range, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_exam_id, parameter) DO UPDATE SET
			value = EXCLUDED.value,
			unit = EXCLUDED.unit,
			reference = EXCLUDED.reference,
			out_of_range = EXCLUDED.out_of_range,
			seq = EXCLUDED.seq,
			updated_at = NOW()
		RETURNING id, updated_at, (xmax = 0)`,
		res.OrderExamID, res.Parameter, res.Value, res.Unit, res.Reference, res.OutOfRange, res.Seq,
	).Scan(&res.ID, &res.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("upsert result %q: %w", res.Parameter, err)
	}
	return created, nil
}

func (r *laboratoryRepoPG) MarkOrderPendingValidation(ctx context.Context, orderID int64) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE lab_order SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state <> $2`, orderID, OrderPendingValidation)
	if err != nil {
		return fmt.Errorf("mark order %d pending validation: %w", orderID, err)
	}
	return nil
}

func (r *laboratoryRepoPG) MarkExamsProcessed(ctx context.Context, orderID int64) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE order_exam SET state = $2, updated_at = NOW()
		WHERE order_id = $1 AND state <> $3 AND state <> $2`, orderID, ExamProcessed, ExamValidated)
	if err != nil {
		return 0, fmt.Errorf("mark exams of order %d processed: %w", orderID, err)
	}
	return tag.RowsAffected(), nil
}

package equipment

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

type equipmentRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &equipmentRepoPG{pool: pool}
}

func (r *equipmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const instrumentCols = `id, code, name, manufacturer, model, integration, host, port,
	active, created_at, updated_at`

const mappingCols = `id, equipment_id, device_code, exam_id, parameter, active`

func scanInstrument(row pgx.Row) (*Instrument, error) {
	var in Instrument
	err := row.Scan(&in.ID, &in.Code, &in.Name, &in.Manufacturer, &in.Model,
		&in.Integration, &in.Host, &in.Port, &in.Active, &in.CreatedAt, &in.UpdatedAt)
	return &in, err
}

func (r *equipmentRepoPG) GetByID(ctx context.Context, id int64) (*Instrument, error) {
	in, err := scanInstrument(r.conn(ctx).QueryRow(ctx, `SELECT `+instrumentCols+` FROM equipment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get equipment %d: %w", id, err)
	}
	return in, nil
}

func (r *equipmentRepoPG) ListActive(ctx context.Context) ([]*Instrument, error) {
	return r.listInstruments(ctx, `SELECT `+instrumentCols+` FROM equipment WHERE active ORDER BY id`)
}

func (r *equipmentRepoPG) ListActiveByHost(ctx context.Context, host string) ([]*Instrument, error) {
	return r.listInstruments(ctx, `SELECT `+instrumentCols+` FROM equipment
		WHERE active AND host <> '' AND host = $1 ORDER BY id`, host)
}

func (r *equipmentRepoPG) listInstruments(ctx context.Context, query string, args ...interface{}) ([]*Instrument, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list equipment: %w", err)
	}
	defer rows.Close()
	var items []*Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan equipment: %w", err)
		}
		items = append(items, in)
	}
	return items, rows.Err()
}

func (r *equipmentRepoPG) ActiveMappings(ctx context.Context, instrumentID int64) ([]*Mapping, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+mappingCols+` FROM equipment_mapping
		WHERE equipment_id = $1 AND active ORDER BY id`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list mappings for equipment %d: %w", instrumentID, err)
	}
	defer rows.Close()
	var items []*Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ID, &m.InstrumentID, &m.DeviceCode, &m.ExamID, &m.Parameter, &m.Active); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}

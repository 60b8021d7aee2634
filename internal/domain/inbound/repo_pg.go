package inbound

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

type inboundRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &inboundRepoPG{pool: pool}
}

func (r *inboundRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const messageCols = `id, received_at, peer_address, raw, msh, pid, obr, orc, qrd, obx,
	sample_id, exam_codes, message_type, control_id, state, reason, instrument_code,
	processed_at`

const imageCols = `id, message_id, name, kind, format, length(data), created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ReceivedAt, &m.PeerAddress, &m.Raw, &m.MSH, &m.PID,
		&m.OBR, &m.ORC, &m.QRD, &m.OBX, &m.SampleID, &m.ExamCodes, &m.MessageType,
		&m.ControlID, &m.State, &m.Reason, &m.InstrumentCode, &m.ProcessedAt)
	return &m, err
}

func scanImage(row pgx.Row) (*Image, error) {
	var img Image
	err := row.Scan(&img.ID, &img.MessageID, &img.Name, &img.Kind, &img.Format, &img.Size, &img.CreatedAt)
	return &img, err
}

func (r *inboundRepoPG) Create(ctx context.Context, m *Message) error {
	if m.State == "" {
		m.State = StateReceived
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hl7_message (peer_address, raw, msh, pid, obr, orc, qrd, obx,
			sample_id, exam_codes, message_type, control_id, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, received_at`,
		m.PeerAddress, m.Raw, m.MSH, m.PID, m.OBR, m.ORC, m.QRD, m.OBX,
		m.SampleID, m.ExamCodes, m.MessageType, m.ControlID, m.State,
	).Scan(&m.ID, &m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert hl7 message: %w", err)
	}
	return nil
}

func (r *inboundRepoPG) GetByID(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(r.conn(ctx).QueryRow(ctx, `SELECT `+messageCols+` FROM hl7_message WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hl7 message %d: %w", id, err)
	}
	return m, nil
}

func (r *inboundRepoPG) Finish(ctx context.Context, id int64, f Finish) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE hl7_message
		SET state = $2, reason = $3, instrument_code = $4, processed_at = NOW()
		WHERE id = $1`, id, f.State, f.Reason, f.InstrumentCode)
	if err != nil {
		return fmt.Errorf("finish hl7 message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *inboundRepoPG) List(ctx context.Context, state string, limit, offset int) ([]*Message, int, error) {
	where := ``
	args := []interface{}{}
	if state != "" {
		where = ` WHERE state = $1`
		args = append(args, state)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hl7_message`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count hl7 messages: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+messageCols+` FROM hl7_message%s ORDER BY received_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list hl7 messages: %w", err)
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan hl7 message: %w", err)
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *inboundRepoPG) ListEmbedded(ctx context.Context) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM hl7_message WHERE obx ILIKE '%|ED|%' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list messages with images: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *inboundRepoPG) CreateImage(ctx context.Context, img *Image) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hl7_image (message_id, name, kind, format, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		img.MessageID, img.Name, img.Kind, img.Format, img.Data,
	).Scan(&img.ID, &img.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert hl7 image: %w", err)
	}
	img.Size = len(img.Data)
	return nil
}

func (r *inboundRepoPG) DeleteImages(ctx context.Context, messageID int64) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM hl7_image WHERE message_id = $1`, messageID)
	if err != nil {
		return 0, fmt.Errorf("delete images of message %d: %w", messageID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *inboundRepoPG) ListImages(ctx context.Context, messageID int64) ([]*Image, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+imageCols+` FROM hl7_image WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list images of message %d: %w", messageID, err)
	}
	defer rows.Close()
	var items []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, img)
	}
	return items, rows.Err()
}

func (r *inboundRepoPG) GetImage(ctx context.Context, messageID, imageID int64) (*Image, error) {
	var img Image
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, message_id, name, kind, format, data, created_at
		FROM hl7_image WHERE id = $1 AND message_id = $2`, imageID, messageID).
		Scan(&img.ID, &img.MessageID, &img.Name, &img.Kind, &img.Format, &img.Data, &img.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image %d: %w", imageID, err)
	}
	img.Size = len(img.Data)
	return &img, nil
}

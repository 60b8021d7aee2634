package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/equipment"
	"github.com/lis/lis/internal/domain/inbound"
	"github.com/lis/lis/internal/domain/laboratory"
	"github.com/lis/lis/internal/platform/hl7v2"
)

// Reason is the machine-readable outcome of processing one message.
type Reason string

const (
	ReasonOK          Reason = "ok"
	ReasonNoSampleID  Reason = "sin_sample_id"
	ReasonNoOrder     Reason = "sin_orden"
	ReasonNoEquipment Reason = "sin_equipo"
	ReasonNoMappings  Reason = "sin_mapeos"
	ReasonNoOBX       Reason = "sin_obx"
	ReasonNoResults   Reason = "sin_resultados"
	ReasonPersistence Reason = "error_persistencia"
)

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MessageFinisher writes the terminal state of a stored message.
type MessageFinisher interface {
	Finish(ctx context.Context, id int64, f inbound.Finish) error
}

// LoadOutcome is the audit record of one load.
type LoadOutcome struct {
	OK             bool   `json:"ok"`
	Reason         Reason `json:"reason"`
	Created        int    `json:"created"`
	Updated        int    `json:"updated"`
	Ignored        int    `json:"ignored"`
	InstrumentCode string `json:"instrument_code,omitempty"`
	OrderNumber    string `json:"order_number,omitempty"`
	OrderID        int64  `json:"order_id,omitempty"`
	TotalOBX       int    `json:"total_obx"`
}

// Written is the number of results created or updated.
func (o LoadOutcome) Written() int {
	return o.Created + o.Updated
}

// State is the message state that corresponds to the outcome.
func (o LoadOutcome) State() string {
	if o.Written() > 0 {
		return inbound.StateProcessed
	}
	return inbound.StateNoResults
}

// Loader turns the OBX items of a result message into Result rows and moves
// the order forward. Everything it writes for one message, including the
// terminal message state, commits or rolls back together.
type Loader struct {
	tx       TxRunner
	lab      laboratory.Repository
	equip    equipment.Repository
	messages MessageFinisher
	logger   zerolog.Logger
}

func NewLoader(tx TxRunner, lab laboratory.Repository, equip equipment.Repository, messages MessageFinisher, logger zerolog.Logger) *Loader {
	return &Loader{
		tx:       tx,
		lab:      lab,
		equip:    equip,
		messages: messages,
		logger:   logger.With().Str("component", "loader").Logger(),
	}
}

// Load processes the parsed message stored as messageID. Resolution failures
// are reported through the outcome reason. A persistence failure rolls the
// whole message back, marks it error_persistencia and is returned as error.
func (l *Loader) Load(ctx context.Context, messageID int64, p *hl7v2.ParseOutcome, res equipment.ResolveOutcome) (LoadOutcome, error) {
	var out LoadOutcome
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.load(ctx, p, res)
		if err != nil {
			return err
		}
		return l.messages.Finish(ctx, messageID, inbound.Finish{
			State:          out.State(),
			Reason:         string(out.Reason),
			InstrumentCode: out.InstrumentCode,
		})
	})
	if err == nil {
		return out, nil
	}

	failed := LoadOutcome{
		Reason:         ReasonPersistence,
		InstrumentCode: res.Code(),
		OrderNumber:    out.OrderNumber,
		OrderID:        out.OrderID,
		TotalOBX:       len(p.Items),
	}
	if ferr := l.messages.Finish(ctx, messageID, inbound.Finish{
		State:          inbound.StateNoResults,
		Reason:         string(ReasonPersistence),
		InstrumentCode: res.Code(),
	}); ferr != nil {
		l.logger.Error().Err(ferr).Int64("message_id", messageID).Msg("failed to record persistence error")
	}
	return failed, fmt.Errorf("load message %d: %w", messageID, err)
}

func (l *Loader) load(ctx context.Context, p *hl7v2.ParseOutcome, res equipment.ResolveOutcome) (LoadOutcome, error) {
	out := LoadOutcome{
		InstrumentCode: res.Code(),
		TotalOBX:       len(p.Items),
	}

	if p.SampleID == "" {
		out.Reason = ReasonNoSampleID
		return out, nil
	}

	order, err := l.lab.GetOrderByNumber(ctx, p.SampleID)
	if errors.Is(err, laboratory.ErrNotFound) {
		out.Reason = ReasonNoOrder
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.OrderID = order.ID
	out.OrderNumber = order.Number

	if !res.Resolved() {
		out.Reason = ReasonNoEquipment
		return out, nil
	}

	mappings, err := l.equip.ActiveMappings(ctx, res.Instrument.ID)
	if err != nil {
		return out, err
	}
	table := equipment.NewMappingTable(mappings)
	if table.Len() == 0 {
		out.Reason = ReasonNoMappings
		return out, nil
	}

	items, graphic := p.Loadable()
	if len(items) == 0 {
		out.Reason = ReasonNoOBX
		out.Ignored = graphic
		return out, nil
	}
	out.Ignored = graphic

	for _, it := range items {
		m, ok := table.Lookup(it.Code)
		if !ok || !m.Usable() {
			out.Ignored++
			continue
		}

		oe, err := l.lab.GetOrderExam(ctx, order.ID, *m.ExamID)
		if errors.Is(err, laboratory.ErrNotFound) {
			out.Ignored++
			continue
		}
		if err != nil {
			return out, err
		}

		result := &laboratory.Result{
			OrderExamID: oe.ID,
			Parameter:   strings.TrimSpace(m.Parameter),
			Value:       nullable(it.Value),
			Unit:        nullable(it.Unit),
			Reference:   nullable(it.Reference),
			OutOfRange:  laboratory.OutOfRange(it.Reference, it.Value),
			Seq:         it.Seq,
		}
		created, err := l.lab.UpsertResult(ctx, result)
		if err != nil {
			return out, err
		}
		if created {
			out.Created++
		} else {
			out.Updated++
		}
	}

	if out.Written() == 0 {
		out.Reason = ReasonNoResults
		return out, nil
	}

	if order.State != laboratory.OrderPendingValidation {
		if err := l.lab.MarkOrderPendingValidation(ctx, order.ID); err != nil {
			return out, err
		}
	}
	if _, err := l.lab.MarkExamsProcessed(ctx, order.ID); err != nil {
		return out, err
	}

	out.OK = true
	out.Reason = ReasonOK
	return out, nil
}

func nullable(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

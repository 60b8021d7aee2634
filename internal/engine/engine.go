// Package engine drives one inbound HL7 payload from storage to reply: it
// records the message, routes it to the query or result path, loads
// results, publishes the outcome and builds the acknowledgement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/equipment"
	"github.com/lis/lis/internal/domain/inbound"
	"github.com/lis/lis/internal/domain/laboratory"
	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/hl7v2"
)

const (
	// ReasonQueryError marks a query that failed while building the response.
	ReasonQueryError Reason = "error_consulta"
	// ReasonInternal marks a stored message whose processing panicked.
	ReasonInternal Reason = "error_interno"
)

// Reject texts written as MSA-3.
const (
	textStorageUnavailable = "storage unavailable"
	textNoSampleID         = "sample id missing"
	textUnknownSample      = "sample id not found"
	textQueryError         = "query processing error"
	textInternalError      = "internal error"
)

// MessageStore persists inbound messages and their images.
type MessageStore interface {
	MessageFinisher
	Record(ctx context.Context, peer string, raw []byte, p *hl7v2.ParseOutcome) (*inbound.Message, error)
	Get(ctx context.Context, id int64) (*inbound.Message, error)
	SaveImages(ctx context.Context, messageID int64, p *hl7v2.ParseOutcome) (int, error)
	DeleteImages(ctx context.Context, messageID int64) (int64, error)
}

// EquipmentResolver finds the instrument that sent a message.
type EquipmentResolver interface {
	Resolve(ctx context.Context, q equipment.Query) (equipment.ResolveOutcome, error)
}

// Engine is the processing pipeline behind the MLLP listener.
type Engine struct {
	store     MessageStore
	resolver  EquipmentResolver
	loader    *Loader
	lab       laboratory.Repository
	responder *hl7v2.Responder
	publisher events.Publisher
	logger    zerolog.Logger
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store     MessageStore
	Resolver  EquipmentResolver
	Loader    *Loader
	Lab       laboratory.Repository
	Responder *hl7v2.Responder
	Publisher events.Publisher
}

func New(d Deps, logger zerolog.Logger) *Engine {
	pub := d.Publisher
	if pub == nil {
		pub = events.Noop{}
	}
	return &Engine{
		store:     d.Store,
		resolver:  d.Resolver,
		loader:    d.Loader,
		lab:       d.Lab,
		responder: d.Responder,
		publisher: pub,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// Handle processes one unframed payload and returns the reply. It matches
// hl7v2.MessageHandler and always returns a well-formed ACK or query
// response.
func (e *Engine) Handle(ctx context.Context, peer string, payload []byte) (reply []byte) {
	p := hl7v2.ParseInbound(payload)
	log := e.logger.With().
		Str("exchange_id", uuid.NewString()).
		Str("peer", peer).
		Str("message_type", p.MessageType).
		Str("control_id", p.ControlID).
		Logger()

	var msg *inbound.Message
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("message processing panicked")
			if msg != nil {
				e.finishInternal(ctx, log, msg)
			}
			reply = e.responder.ACK(p, hl7v2.AckError, textInternalError)
		}
	}()

	msg, err := e.store.Record(ctx, peer, payload, p)
	if err != nil {
		log.Error().Err(err).Msg("failed to store inbound message")
		return e.responder.ACK(p, hl7v2.AckError, textStorageUnavailable)
	}

	reply, _ = e.process(ctx, log, msg, p)
	return reply
}

// finishInternal closes a message left in recibido by a panic. A second
// panic from the store is swallowed so the reject ACK still goes out.
func (e *Engine) finishInternal(ctx context.Context, log zerolog.Logger, msg *inbound.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("message_id", msg.ID).Msg("failed to finish message after panic")
		}
	}()
	if err := e.store.Finish(ctx, msg.ID, inbound.Finish{
		State:  inbound.StateNoResults,
		Reason: string(ReasonInternal),
	}); err != nil {
		log.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to finish message after panic")
	}
}

// Replay processes a stored message again from its raw payload. Its images
// are deleted and decoded again. The reply is built but not sent anywhere.
func (e *Engine) Replay(ctx context.Context, id int64) (events.Outcome, error) {
	msg, err := e.store.Get(ctx, id)
	if err != nil {
		return events.Outcome{}, err
	}
	if _, err := e.store.DeleteImages(ctx, id); err != nil {
		return events.Outcome{}, fmt.Errorf("delete images of message %d: %w", id, err)
	}

	p := hl7v2.ParseInbound([]byte(msg.Raw))
	log := e.logger.With().
		Str("exchange_id", uuid.NewString()).
		Str("peer", msg.PeerAddress).
		Str("message_type", p.MessageType).
		Str("control_id", p.ControlID).
		Bool("replay", true).
		Logger()

	_, out := e.process(ctx, log, msg, p)
	return out, nil
}

func (e *Engine) process(ctx context.Context, log zerolog.Logger, msg *inbound.Message, p *hl7v2.ParseOutcome) ([]byte, events.Outcome) {
	kind := hl7v2.Classify(p)
	out := events.Outcome{
		MessageID:   msg.ID,
		Kind:        string(kind),
		Peer:        msg.PeerAddress,
		MessageType: p.MessageType,
		ControlID:   p.ControlID,
		SampleID:    p.SampleID,
	}

	res, err := e.resolver.Resolve(ctx, equipment.Query{
		Peer:        msg.PeerAddress,
		Application: p.SendingApp,
		Facility:    p.SendingFac,
	})
	if err != nil {
		log.Warn().Err(err).Msg("equipment resolution failed, continuing unresolved")
		res = equipment.ResolveOutcome{}
	}
	out.Instrument = res.Code()

	var reply []byte
	if kind == hl7v2.KindQuery {
		reply = e.processQuery(ctx, log, msg, p, res, &out)
	} else {
		reply = e.processResult(ctx, log, msg, p, res, &out)
	}

	out.At = time.Now().UTC()
	if err := e.publisher.Publish(ctx, out); err != nil {
		log.Warn().Err(err).Int64("message_id", msg.ID).Msg("failed to publish outcome")
	}
	return reply, out
}

func (e *Engine) processResult(ctx context.Context, log zerolog.Logger, msg *inbound.Message, p *hl7v2.ParseOutcome, res equipment.ResolveOutcome, out *events.Outcome) []byte {
	images, err := e.store.SaveImages(ctx, msg.ID, p)
	if err != nil {
		log.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to store images")
	}
	out.Images = images

	load, err := e.loader.Load(ctx, msg.ID, p, res)
	if err != nil {
		log.Error().Err(err).Int64("message_id", msg.ID).Msg("result load rolled back")
	}

	out.State = load.State()
	out.Reason = string(load.Reason)
	out.OrderNumber = load.OrderNumber
	out.Created, out.Updated, out.Ignored = load.Created, load.Updated, load.Ignored
	out.Ack = hl7v2.AckAccept

	log.Info().
		Int64("message_id", msg.ID).
		Str("kind", out.Kind).
		Str("sample_id", p.SampleID).
		Str("rule", string(res.Rule)).
		Interface("load", load).
		Int("images", images).
		Msg("result message processed")

	return e.responder.ACK(p, hl7v2.AckAccept, "")
}

func (e *Engine) processQuery(ctx context.Context, log zerolog.Logger, msg *inbound.Message, p *hl7v2.ParseOutcome, res equipment.ResolveOutcome, out *events.Outcome) []byte {
	reply, reason, order := e.answerQuery(ctx, log, p)

	ack := hl7v2.AckAccept
	state := inbound.StateProcessed
	if reason != ReasonOK {
		ack = hl7v2.AckError
		state = inbound.StateNoResults
	}

	if err := e.store.Finish(ctx, msg.ID, inbound.Finish{
		State:          state,
		Reason:         string(reason),
		InstrumentCode: res.Code(),
	}); err != nil {
		log.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to finish query message")
	}

	out.State = state
	out.Reason = string(reason)
	out.OrderNumber = order
	out.Ack = ack

	log.Info().
		Int64("message_id", msg.ID).
		Str("kind", out.Kind).
		Str("sample_id", p.SampleID).
		Str("reason", string(reason)).
		Str("ack", ack).
		Msg("query message answered")

	return reply
}

// answerQuery builds the query response. Any failure, a panic included,
// becomes a reject ACK.
func (e *Engine) answerQuery(ctx context.Context, log zerolog.Logger, p *hl7v2.ParseOutcome) (reply []byte, reason Reason, order string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("query response panicked")
			reply, reason, order = e.responder.ACK(p, hl7v2.AckError, textQueryError), ReasonQueryError, ""
		}
	}()

	if p.SampleID == "" {
		return e.responder.ACK(p, hl7v2.AckError, textNoSampleID), ReasonNoSampleID, ""
	}

	o, err := e.lab.GetOrderByNumber(ctx, p.SampleID)
	if errors.Is(err, laboratory.ErrNotFound) {
		return e.responder.ACK(p, hl7v2.AckError, textUnknownSample+": "+p.SampleID), ReasonNoOrder, ""
	}
	if err != nil {
		log.Error().Err(err).Str("sample_id", p.SampleID).Msg("order lookup failed")
		return e.responder.ACK(p, hl7v2.AckError, textQueryError), ReasonQueryError, ""
	}

	patient, err := e.lab.GetPatient(ctx, o.PatientID)
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("patient lookup failed")
		return e.responder.ACK(p, hl7v2.AckError, textQueryError), ReasonQueryError, o.Number
	}

	return e.responder.QueryResponse(p, hl7v2.Demographics{
		SampleID:  p.SampleID,
		Document:  patient.Document,
		Name:      patient.FullName,
		Sex:       patient.Sex,
		BirthDate: patient.BirthDate,
	}), ReasonOK, o.Number
}

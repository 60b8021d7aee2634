package inbound

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/imaging"
)

type Service struct {
	repo    Repository
	decoder *imaging.Decoder
	logger  zerolog.Logger
}

func NewService(repo Repository, decoder *imaging.Decoder, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		decoder: decoder,
		logger:  logger.With().Str("component", "inbound").Logger(),
	}
}

// Record stores a freshly received payload in state StateReceived.
func (s *Service) Record(ctx context.Context, peer string, raw []byte, p *hl7v2.ParseOutcome) (*Message, error) {
	m := NewMessage(peer, raw, p)
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) Finish(ctx context.Context, id int64, f Finish) error {
	return s.repo.Finish(ctx, id, f)
}

func (s *Service) Get(ctx context.Context, id int64) (*Message, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, state string, limit, offset int) ([]*Message, int, error) {
	return s.repo.List(ctx, state, limit, offset)
}

func (s *Service) Images(ctx context.Context, messageID int64) ([]*Image, error) {
	return s.repo.ListImages(ctx, messageID)
}

func (s *Service) Image(ctx context.Context, messageID, imageID int64) (*Image, error) {
	return s.repo.GetImage(ctx, messageID, imageID)
}

func (s *Service) DeleteImages(ctx context.Context, messageID int64) (int64, error) {
	return s.repo.DeleteImages(ctx, messageID)
}

// SaveImages decodes every ED item of the message and stores it as a PNG.
// An item that fails to decode is logged and skipped. Returns the number of
// images stored.
func (s *Service) SaveImages(ctx context.Context, messageID int64, p *hl7v2.ParseOutcome) (int, error) {
	saved := 0
	for _, it := range p.Embedded() {
		png, err := s.decoder.DecodeED(it.Value)
		if err != nil {
			s.logger.Warn().Err(err).
				Int64("message_id", messageID).
				Int("seq", it.Seq).
				Str("code", it.RawIdentifier).
				Msg("skipping embedded image")
			continue
		}

		img := &Image{
			MessageID: messageID,
			Name:      imaging.Name(messageID, it.Seq, it.RawIdentifier),
			Kind:      imaging.Kind(it.RawIdentifier),
			Format:    "png",
			Data:      png,
		}
		if err := s.repo.CreateImage(ctx, img); err != nil {
			return saved, fmt.Errorf("store image for message %d: %w", messageID, err)
		}
		saved++
	}
	return saved, nil
}

// RegenerateReport summarizes one regeneration run.
type RegenerateReport struct {
	Messages int `json:"messages"`
	Deleted  int `json:"deleted"`
	Saved    int `json:"saved"`
}

// RegenerateImages deletes and decodes again the images of every stored
// message that carries ED values, for instance after the decoder layout
// changed.
func (s *Service) RegenerateImages(ctx context.Context) (RegenerateReport, error) {
	var rep RegenerateReport

	ids, err := s.repo.ListEmbedded(ctx)
	if err != nil {
		return rep, err
	}

	for _, id := range ids {
		m, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return rep, err
		}
		deleted, err := s.repo.DeleteImages(ctx, id)
		if err != nil {
			return rep, err
		}
		saved, err := s.SaveImages(ctx, id, hl7v2.ParseInbound([]byte(m.Raw)))
		if err != nil {
			return rep, err
		}

		rep.Messages++
		rep.Deleted += int(deleted)
		rep.Saved += saved
		s.logger.Info().Int64("message_id", id).Int64("deleted", deleted).Int("saved", saved).Msg("images regenerated")
	}
	return rep, nil
}

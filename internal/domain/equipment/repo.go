package equipment

import "context"

// Repository is the read surface the engine needs over instruments and
// their code mappings. Instrument lists are ordered by id.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Instrument, error)
	ListActive(ctx context.Context) ([]*Instrument, error)
	ListActiveByHost(ctx context.Context, host string) ([]*Instrument, error)
	ActiveMappings(ctx context.Context, instrumentID int64) ([]*Mapping, error)
}

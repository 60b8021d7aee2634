package inbound

import "context"

// Repository stores inbound messages and the images decoded from them.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	Finish(ctx context.Context, id int64, f Finish) error
	List(ctx context.Context, state string, limit, offset int) ([]*Message, int, error)

	// ListEmbedded returns the ids of messages whose OBX block carries
	// an ED value, oldest first.
	ListEmbedded(ctx context.Context) ([]int64, error)

	CreateImage(ctx context.Context, img *Image) error
	DeleteImages(ctx context.Context, messageID int64) (int64, error)
	ListImages(ctx context.Context, messageID int64) ([]*Image, error)
	GetImage(ctx context.Context, messageID, imageID int64) (*Image, error)
}

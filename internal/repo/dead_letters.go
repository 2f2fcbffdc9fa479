package repo

import (
	"context"
	"errors"

	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

var ErrNotFound = errors.New("dead letter not found")

// DeadLetterArchive keeps dead-lettered messages for manual review after
// they leave the queue.
type DeadLetterArchive interface {
	Archive(ctx context.Context, dl model.DeadLetter) error
	List(ctx context.Context, limit, offset int, includeResolved bool) ([]model.DeadLetter, error)
	MarkResolved(ctx context.Context, messageID, notes string) error
}

package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNoReceipt = errors.New("no delivery receipt")

// ReceiptStore remembers which provider message a delivered queue message
// became.
type ReceiptStore interface {
	StoreSent(ctx context.Context, messageID, remoteMessageID string, sentAt time.Time) error
	Lookup(ctx context.Context, messageID string) (Receipt, error)
}

type Receipt struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

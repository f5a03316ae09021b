package channel

import (
	"context"
	"errors"
)

var ErrNotJoined = errors.New("client has not joined a team")

// Transport is a team-scoped publish/subscribe primitive with at-most-once delivery.
// Handlers for one subscription are invoked in publish order per sender.
type Transport interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string, handler func(Message)) (Subscription, error)
}

type Subscription interface {
	Close() error
}

// Topic names the channel shared by every client of a team.
func Topic(teamID string) string {
	return "team:" + teamID
}

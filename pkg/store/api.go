// Package store is the durable, append-only message record.
package store

import (
	"context"

	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/snowflake"
)

//go:generate mockgen -destination=mock/store_mock.go -package=store_mock github.com/mahaj/pulsechat/pkg/store IMessageStore

type IMessageStore interface {
	// Append validates d, assigns id and creation time, and writes it durably.
	Append(ctx context.Context, d model.Draft) (model.Message, error)

	// Get returns the message with the given id, or NotFound.
	Get(ctx context.Context, id int64) (model.Message, error)

	// ListConversation returns the messages exchanged between a and b in
	// either direction, ordered by creation time then id.
	ListConversation(ctx context.Context, a, b identity.ID) ([]model.Message, error)

	// ListRoom returns the messages of a room, same ordering.
	ListRoom(ctx context.Context, room string) ([]model.Message, error)

	// SoftDelete marks the message deleted. Deleting twice is not an error.
	SoftDelete(ctx context.Context, id int64) (model.Message, error)

	Close() error
}

// Stamp validates d and builds the message that will be written: the id comes
// from node and the creation time is the one encoded in the id, so ordering by
// (createdAt, id) is insertion order.
func Stamp(node *snowflake.Node, d model.Draft) (model.Message, error) {
	if err := d.Validate(); err != nil {
		return model.Message{}, err
	}
	id := node.Generate()
	return model.NewMessage(id, snowflake.Time(id), d), nil
}

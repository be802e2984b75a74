package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"
)

// Consumer reads records published by other nodes and delivers them to the
// local registry. Records from this node are committed and skipped.
type Consumer struct {
	reader IKafkaReader
	node   string
	target Deliverer
}

func NewConsumer(reader IKafkaReader, node string, target Deliverer) *Consumer {
	return &Consumer{reader: reader, node: node, target: target}
}

// Run consumes until ctx is done, then closes the reader.
func (c *Consumer) Run(ctx context.Context) {
	glog.Info("relay: consume loop enter")
	defer func() {
		_ = c.reader.Close()
		glog.Info("relay: consume loop exit")
	}()

	var sleep time.Duration
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			glog.Errorf("relay: fetch error: %v", err)
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		c.deliver(&msg)

		// A record that is not committed is fetched again; delivery is best
		// effort and a duplicate frame is preferred over a lost one.
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Errorf("relay: commit offset %d error: %v", msg.Offset, err)
		}
	}
}

func (c *Consumer) deliver(msg *kafka.Message) {
	var r Record
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		glog.Errorf("relay: bad record at offset %d: %v", msg.Offset, err)
		return
	}
	if r.Node == c.node {
		return
	}
	n := c.target.DeliverRemote(r.Event, r.Channels, r.Frame)
	glog.V(5).Infof("relay: %s from node %s delivered to %d connections", r.Event, r.Node, n)
}

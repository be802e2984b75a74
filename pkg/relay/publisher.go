package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"
)

const (
	publishQueueLen = 4096
	publishBatchLen = 64
	publishTimeout  = 3 * time.Second
)

// Publisher queues records and writes them from a single goroutine, in the
// order they were published.
type Publisher struct {
	writer IKafkaWriter
	node   string
	queue  chan kafka.Message
}

func NewPublisher(writer IKafkaWriter, node string) *Publisher {
	return &Publisher{
		writer: writer,
		node:   node,
		queue:  make(chan kafka.Message, publishQueueLen),
	}
}

// Publish never blocks. When the queue is full the record is dropped; the
// message itself is already stored.
func (p *Publisher) Publish(key, event string, channels []string, frame []byte) {
	value, err := json.Marshal(Record{Node: p.node, Event: event, Channels: channels, Frame: frame})
	if err != nil {
		glog.Errorf("relay: marshal %s record error: %v", event, err)
		return
	}
	select {
	case p.queue <- kafka.Message{Key: []byte(key), Value: value}:
	default:
		glog.Errorf("relay: publish queue full, dropping %s for %s", event, key)
	}
}

// Run writes queued records until ctx is done, then closes the writer.
func (p *Publisher) Run(ctx context.Context) {
	glog.Info("relay: publisher enter")
	defer func() {
		_ = p.writer.Close()
		glog.Info("relay: publisher exit")
	}()

	batch := make([]kafka.Message, 0, publishBatchLen)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			batch = append(batch[:0], msg)
		drain:
			for len(batch) < publishBatchLen {
				select {
				case msg := <-p.queue:
					batch = append(batch, msg)
				default:
					break drain
				}
			}
			if !p.write(ctx, batch) {
				return
			}
		}
	}
}

// write retries with backoff until the batch is written or ctx is done.
func (p *Publisher) write(ctx context.Context, batch []kafka.Message) bool {
	var sleep time.Duration
	for {
		wctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := p.writer.WriteMessages(wctx, batch...)
		cancel()
		if err == nil {
			glog.V(5).Infof("relay: published %d records", len(batch))
			return true
		}

		glog.Errorf("relay: write %d records error: %v", len(batch), err)
		backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return false
		}
	}
}

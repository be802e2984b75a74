// Package relay carries locally fanned-out frames to the other gateway nodes
// through a Kafka topic. Every node publishes what it delivered and consumes
// what the others delivered, so a connection on node B sees a message sent by
// a connection on node A.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

//go:generate mockgen -destination=mock/relay_mock.go -package=relay_mock github.com/mahaj/pulsechat/pkg/relay IKafkaReader,IKafkaWriter

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Deliverer fans a remote frame out to this node's connections.
type Deliverer interface {
	DeliverRemote(event string, channels []string, frame []byte) int
}

// Record is the kafka message value.
type Record struct {
	Node     string          `json:"node"`
	Event    string          `json:"event"`
	Channels []string        `json:"channels"`
	Frame    json.RawMessage `json:"frame"`
}

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

// NewKafkaWriter hashes on the record key, so one conversation stays on one
// partition and keeps its order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaReader joins a consumer group of its own, so every node reads every
// record.
func NewKafkaReader(brokers []string, topic, node string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "pulsechat-gateway-" + node,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
}

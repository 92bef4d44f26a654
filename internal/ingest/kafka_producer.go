package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer streams driver locations and ride lifecycle events. Both
// are keyed so a partition sees one driver (or one offer) in order.
type KafkaProducer struct {
	locations messageWriter
	rides     messageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	p := &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
	}
	if rideTopic != "" {
		p.rides = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: rideTopic, Balancer: &kafka.Hash{}})
	}
	return p
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b, Time: u.At})
}

func (k *KafkaProducer) HandleRideEvent(ctx context.Context, ev models.RideEvent) error {
	if k.rides == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ride event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.rides.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.Offer.ID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	})
}

func (k *KafkaProducer) Close() error {
	var err error
	if k.locations != nil {
		err = k.locations.Close()
	}
	if k.rides != nil {
		if cerr := k.rides.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

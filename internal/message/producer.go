package message

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/metrics"
)

// Publisher sends events to one Kafka topic through an async producer.
// Publishing never blocks the OCPP path; delivery errors are logged by a
// background goroutine.
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
	log      zerolog.Logger
}

// NewPublisher connects an async producer to the given brokers.
func NewPublisher(brokers []string, topic string, log *logger.Logger) (*Publisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newPublisher(producer, topic, log), nil
}

func newPublisher(producer sarama.AsyncProducer, topic string, log *logger.Logger) *Publisher {
	p := &Publisher{producer: producer, topic: topic, log: log.Named("events")}
	go p.handleSuccesses()
	go p.handleErrors()
	return p
}

// Publish queues one event. The charger id keys the message so events of
// one charger stay ordered within a partition.
func (p *Publisher) Publish(event Event) error {
	data, err := event.toJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ChargerID),
		Value: sarama.ByteEncoder(data),
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}

// Close shuts the producer down, flushing queued messages.
func (p *Publisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

func (p *Publisher) handleSuccesses() {
	for msg := range p.producer.Successes() {
		p.log.Debug().
			Str("topic", msg.Topic).
			Str("key", string(msg.Key.(sarama.StringEncoder))).
			Msg("Event delivered")
	}
}

func (p *Publisher) handleErrors() {
	for err := range p.producer.Errors() {
		p.log.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Str("key", string(err.Msg.Key.(sarama.StringEncoder))).
			Msg("Event delivery failed")
	}
}

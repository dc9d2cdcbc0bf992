package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

const defaultQueueSize = 1024

// AlertPublisher forwards recorded alerts to a Kafka topic, keyed by address
// so every alert of one address lands on the same partition in order.
type AlertPublisher struct {
	topic string
	sp    sarama.SyncProducer
	log   *zap.Logger

	queue chan models.Alert
	wg    sync.WaitGroup
	once  sync.Once
}

// NewAlertPublisher connects a synchronous, idempotent producer.
func NewAlertPublisher(brokers []string, topic string, log *zap.Logger) (*AlertPublisher, error) {
	if topic == "" {
		return nil, errors.New("kafka alert topic is empty")
	}
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newAlertPublisher(sp, topic, log, defaultQueueSize), nil
}

func newAlertPublisher(sp sarama.SyncProducer, topic string, log *zap.Logger, queueSize int) *AlertPublisher {
	p := &AlertPublisher{
		topic: topic,
		sp:    sp,
		log:   logger.OrNop(log).Named("kafka"),
		queue: make(chan models.Alert, queueSize),
	}
	p.wg.Add(1)
	go p.drain()
	return p
}

// Publish sends one alert and waits for the broker ack.
func (p *AlertPublisher) Publish(alert models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(alert.Address),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("alert-type"), Value: []byte(alert.Type)},
		},
	}
	if _, _, err := p.sp.SendMessage(msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

// Sink queues alert for publishing without blocking the caller. Alerts are
// dropped, with a warning, when the queue is full.
func (p *AlertPublisher) Sink(alert models.Alert) {
	select {
	case p.queue <- alert:
	default:
		p.log.Warn("alert queue full, dropping", zap.String("id", alert.ID))
	}
}

func (p *AlertPublisher) drain() {
	defer p.wg.Done()
	for alert := range p.queue {
		if err := p.Publish(alert); err != nil {
			p.log.Error("alert not published", zap.String("id", alert.ID), zap.Error(err))
		}
	}
}

// Close flushes queued alerts and closes the producer.
func (p *AlertPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.queue)
		p.wg.Wait()
		err = p.sp.Close()
	})
	return err
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	publishTimeout   = 5 * time.Second
	defaultQueueSize = 1024
	publishRetries   = 3
	publishRetryBase = 200 * time.Millisecond
	drainTimeout     = 10 * time.Second
)

type sendFunc func(ctx context.Context, e Event) error

// AMQPPublisher публикует события в topic-обменник RabbitMQ с ключом маршрутизации, равным типу события.
// Dispatch только ставит события в очередь; публикует их отдельная горутина.
// После закрытия соединения или канала брокером публикатор переподключается при следующей отправке.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *zap.Logger

	queue     chan Event
	stop      chan struct{}
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	send      sendFunc
	retryBase time.Duration

	// Поля ниже принадлежат горутине run.
	conn       *amqp.Connection
	ch         *amqp.Channel
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
}

// NewAMQPPublisher подключается к брокеру, объявляет обменник и запускает отправку из очереди.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	p := newPublisher(exchange, logger, defaultQueueSize)
	p.url = url
	p.send = p.publish

	if err := p.connect(); err != nil {
		return nil, err
	}

	go p.run()
	return p, nil
}

func newPublisher(exchange string, logger *zap.Logger, size int) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{
		exchange:  exchange,
		logger:    logger,
		queue:     make(chan Event, size),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		retryBase: publishRetryBase,
	}
}

// Dispatch ставит события в очередь и не ждёт брокера. При переполненной очереди событие отбрасывается.
func (p *AMQPPublisher) Dispatch(_ context.Context, events ...Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range events {
		if p.closed {
			p.drop("publisher is closed", e)
			continue
		}
		select {
		case p.queue <- e:
		default:
			p.drop("notification queue is full", e)
		}
	}
}

func (p *AMQPPublisher) drop(reason string, e Event) {
	p.logger.Warn("dropping notification",
		zap.String("reason", reason),
		zap.String("event", string(e.Type)),
		zap.String("booking_id", e.BookingID.String()),
	)
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	defer p.disconnect()

	for {
		select {
		case e := <-p.queue:
			p.deliver(e)
		case err, ok := <-p.connClosed:
			p.lost("connection", err, ok)
		case err, ok := <-p.chClosed:
			p.lost("channel", err, ok)
		case <-p.stop:
			for {
				select {
				case e := <-p.queue:
					p.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (p *AMQPPublisher) deliver(e Event) {
	backoff := retry.WithMaxRetries(publishRetries, retry.NewExponential(p.retryBase))

	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := p.send(ctx, e); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("failed to publish notification",
			zap.String("event", string(e.Type)),
			zap.String("booking_id", e.BookingID.String()),
			zap.Error(err),
		)
	}
}

func (p *AMQPPublisher) lost(what string, err *amqp.Error, ok bool) {
	if ok && err != nil {
		p.logger.Warn("rabbitmq "+what+" closed, will reconnect", zap.Error(err))
	}
	p.disconnect()
}

func (p *AMQPPublisher) publish(ctx context.Context, e Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}

	if p.ch == nil || p.ch.IsClosed() {
		p.disconnect()
		if err := p.connect(); err != nil {
			return err
		}
		p.logger.Info("rabbitmq reconnected")
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Type:         string(e.Type),
		Body:         body,
	})
	if errors.Is(err, amqp.ErrClosed) {
		p.disconnect()
	}
	return err
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	p.conn = conn
	p.ch = ch
	p.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	p.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// disconnect сбрасывает соединение; nil-каналы уведомлений исключаются из select в run.
func (p *AMQPPublisher) disconnect() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
	p.connClosed = nil
	p.chClosed = nil
}

func encode(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return body, nil
}

// Close перестаёт принимать события, дожидается отправки очереди и закрывает соединение.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(drainTimeout):
		p.logger.Warn("notification queue was not drained before shutdown", zap.Int("pending", len(p.queue)))
	}
	return nil
}

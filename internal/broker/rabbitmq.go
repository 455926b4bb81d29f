package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"listing_watcher/internal/domain"
)

type Config struct {
	URL            string
	JobsExchange   string
	JobsQueue      string
	DelayQueue     string
	ResultsQueue   string
	EventsExchange string
	EventsQueue    string
	EventsKey      string
	Prefetch       int
}

// RabbitMQ carries scrape jobs to workers, results back to the orchestrator
// and reports to the notification side.
//
// Delayed jobs sit in a queue without consumers until their per-message TTL
// runs out; the queue dead-letters them into the jobs exchange.
type RabbitMQ struct {
	conn   *amqp.Connection
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("connected to rabbitmq",
		"jobs_exchange", cfg.JobsExchange,
		"jobs_queue", cfg.JobsQueue,
		"delay_queue", cfg.DelayQueue,
		"results_queue", cfg.ResultsQueue,
		"events_exchange", cfg.EventsExchange,
	)

	return &RabbitMQ{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		channel: ch,
	}, nil
}

func declare(ch *amqp.Channel, cfg Config) error {
	for _, ex := range []string{cfg.JobsExchange, cfg.EventsExchange} {
		if err := ch.ExchangeDeclare(ex, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		{name: cfg.JobsQueue},
		{name: cfg.DelayQueue, args: amqp.Table{
			"x-dead-letter-exchange":    cfg.JobsExchange,
			"x-dead-letter-routing-key": cfg.JobsQueue,
		}},
		{name: cfg.ResultsQueue},
		{name: cfg.EventsQueue},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	if err := ch.QueueBind(cfg.JobsQueue, cfg.JobsQueue, cfg.JobsExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.JobsQueue, err)
	}
	if err := ch.QueueBind(cfg.EventsQueue, cfg.EventsKey, cfg.EventsExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.EventsQueue, err)
	}
	return nil
}

func (r *RabbitMQ) publish(ctx context.Context, exchange, key, kind, id string, v any, expiration string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.PublishWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Type:         kind,
			MessageId:    id,
			Expiration:   expiration,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// PublishJob enqueues a job. A positive delay routes it through the delay
// queue.
func (r *RabbitMQ) PublishJob(ctx context.Context, msg domain.JobMessage, delay time.Duration) error {
	if delay <= 0 {
		if err := r.publish(ctx, r.cfg.JobsExchange, r.cfg.JobsQueue, "scrape_job", msg.JobID, msg, ""); err != nil {
			return err
		}
	} else {
		ttl := strconv.FormatInt(max(delay.Milliseconds(), 1), 10)
		if err := r.publish(ctx, "", r.cfg.DelayQueue, "scrape_job", msg.JobID, msg, ttl); err != nil {
			return err
		}
	}

	r.logger.Debug("published job",
		"job_id", msg.JobID,
		"site", msg.Target.Site,
		"insee_code", msg.Target.InseeCode,
		"attempt", msg.Attempt,
		"delay", delay,
	)
	return nil
}

func (r *RabbitMQ) PublishResult(ctx context.Context, msg domain.ResultMessage) error {
	if err := r.publish(ctx, "", r.cfg.ResultsQueue, "scrape_result", msg.JobID, msg, ""); err != nil {
		return err
	}
	r.logger.Debug("published result", "job_id", msg.JobID, "outcome", msg.Outcome, "records", len(msg.Records))
	return nil
}

type ReportMessage struct {
	Site         string               `json:"site"`
	New          []domain.ListingKey  `json:"new"`
	PriceChanged []domain.PriceChange `json:"price_changed"`
	Relisted     []domain.ListingKey  `json:"relisted"`
	Removed      []domain.ListingKey  `json:"removed"`
	Counts       map[string]int       `json:"counts"`
	Timestamp    time.Time            `json:"timestamp"`
}

func NewReportMessage(report *domain.Report, now time.Time) ReportMessage {
	counts := make(map[string]int)
	for kind, n := range report.Counts() {
		counts[string(kind)] = n
	}
	return ReportMessage{
		Site:         report.Site,
		New:          report.New,
		PriceChanged: report.PriceChanged,
		Relisted:     report.Relisted,
		Removed:      report.Removed,
		Counts:       counts,
		Timestamp:    now.UTC(),
	}
}

// Notify publishes a reconciliation report on the events exchange.
func (r *RabbitMQ) Notify(ctx context.Context, report *domain.Report) error {
	msg := NewReportMessage(report, time.Now())
	if err := r.publish(ctx, r.cfg.EventsExchange, r.cfg.EventsKey, "report", "", msg, ""); err != nil {
		return err
	}
	r.logger.Debug("published report", "site", report.Site, "counts", msg.Counts)
	return nil
}

// ConsumeJobs runs handle for every job delivery until ctx is done.
func (r *RabbitMQ) ConsumeJobs(ctx context.Context, concurrency int, handle func(ctx context.Context, msg domain.JobMessage) error) error {
	return consume(ctx, r, r.cfg.JobsQueue, concurrency, handle)
}

// ConsumeResults runs handle for every result delivery until ctx is done.
func (r *RabbitMQ) ConsumeResults(ctx context.Context, concurrency int, handle func(ctx context.Context, msg domain.ResultMessage) error) error {
	return consume(ctx, r, r.cfg.ResultsQueue, concurrency, handle)
}

var ErrDeliveriesClosed = errors.New("delivery channel closed")

// consume acks a delivery once handle succeeds. A failed delivery is
// requeued once; a second failure or an undecodable body drops it.
func consume[T any](ctx context.Context, r *RabbitMQ, queue string, concurrency int, handle func(ctx context.Context, msg T) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(max(r.cfg.Prefetch, concurrency), 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	logger := r.logger.With("queue", queue)
	logger.Info("consuming", "concurrency", concurrency)

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrDeliveriesClosed
			}
			g.Go(func() error {
				handleDelivery(ctx, logger, d, handle)
				return nil
			})
		}
	}
}

func handleDelivery[T any](ctx context.Context, logger *slog.Logger, d amqp.Delivery, handle func(ctx context.Context, msg T) error) {
	var msg T
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error("dropping undecodable message", "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := handle(ctx, msg); err != nil {
		requeue := !d.Redelivered
		logger.Warn("message handling failed",
			"message_id", d.MessageId,
			"redelivered", d.Redelivered,
			"requeue", requeue,
			"error", err,
		)
		_ = d.Nack(false, requeue)
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Warn("ack failed", "message_id", d.MessageId, "error", err)
	}
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

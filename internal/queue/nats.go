package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/pkg/logging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher implements Publisher using NATS JetStream.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    *config.QueueConfig
}

// Compile-time check that NATSPublisher implements Publisher.
var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates a new NATS JetStream publisher.
// It connects to NATS, creates the JetStream context, and ensures
// the stream exists with the required configuration.
func NewNATSPublisher(cfg *config.QueueConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamConfig := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "IDE container provisioning and teardown tasks",
		Subjects: []string{
			cfg.StreamName + ".provision",
			cfg.StreamName + ".teardown",
		},
		Retention:    jetstream.WorkQueuePolicy,
		MaxConsumers: -1,
		MaxMsgs:      -1,
		MaxBytes:     -1,
		MaxAge:       24 * time.Hour,
		Storage:      jetstream.FileStorage,
		Replicas:     1,
		Discard:      jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamConfig)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return &NATSPublisher{
		nc:     nc,
		js:     js,
		stream: stream,
		cfg:    cfg,
	}, nil
}

// PublishProvisionTask publishes a provisioning task to the stream.
func (p *NATSPublisher) PublishProvisionTask(ctx context.Context, task ProvisionTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	subject := p.cfg.StreamName + ".provision"
	_, err = p.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(task.TaskID),
	)
	if err != nil {
		return fmt.Errorf("failed to publish provision task: %w", err)
	}

	return nil
}

// PublishTeardownTask publishes a teardown task to the stream.
func (p *NATSPublisher) PublishTeardownTask(ctx context.Context, task TeardownTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	subject := p.cfg.StreamName + ".teardown"
	_, err = p.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(task.TaskID),
	)
	if err != nil {
		return fmt.Errorf("failed to publish teardown task: %w", err)
	}

	return nil
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// NATSConsumer implements Consumer using NATS JetStream pull consumers.
type NATSConsumer struct {
	nc               *nats.Conn
	js               jetstream.JetStream
	stream           jetstream.Stream
	provisionHandler ProvisionTaskHandler
	teardownHandler  TeardownTaskHandler
	cfg              *config.QueueConfig
	logger           *logging.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// Compile-time check that NATSConsumer implements Consumer.
var _ Consumer = (*NATSConsumer)(nil)

// NewNATSConsumer creates a new NATS JetStream consumer.
// It accepts handler functions for provision and teardown tasks.
func NewNATSConsumer(
	cfg *config.QueueConfig,
	provisionHandler ProvisionTaskHandler,
	teardownHandler TeardownTaskHandler,
	logger *logging.Logger,
) (*NATSConsumer, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Get stream handle (must exist - created by publisher)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get stream %s: %w", cfg.StreamName, err)
	}

	return &NATSConsumer{
		nc:               nc,
		js:               js,
		stream:           stream,
		provisionHandler: provisionHandler,
		teardownHandler:  teardownHandler,
		cfg:              cfg,
		logger:           logger.With("component", "queue-consumer"),
	}, nil
}

// Start begins consuming messages with WorkerCount goroutines per task type.
func (c *NATSConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	// Provisioning includes the ready-wait, so the ack window must
	// comfortably exceed it.
	provisionConsumerConfig := jetstream.ConsumerConfig{
		Durable:       "provision-workers",
		Description:   "Workers that provision workspace containers",
		FilterSubject: c.cfg.StreamName + ".provision",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
		MaxDeliver:    2,
		MaxAckPending: c.cfg.WorkerCount * 2,
	}

	provisionCons, err := c.stream.CreateOrUpdateConsumer(ctx, provisionConsumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create provision consumer: %w", err)
	}

	teardownConsumerConfig := jetstream.ConsumerConfig{
		Durable:       "teardown-workers",
		Description:   "Workers that tear down workspace containers",
		FilterSubject: c.cfg.StreamName + ".teardown",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: c.cfg.WorkerCount * 2,
	}

	teardownCons, err := c.stream.CreateOrUpdateConsumer(ctx, teardownConsumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create teardown consumer: %w", err)
	}

	var wg sync.WaitGroup

	for i := 0; i < c.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.runProvisionWorker(provisionCons, workerID)
		}(i)
	}

	for i := 0; i < c.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.runTeardownWorker(teardownCons, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(c.doneCh)
	}()

	c.logger.Info("NATS consumer started",
		"provisionWorkers", c.cfg.WorkerCount,
		"teardownWorkers", c.cfg.WorkerCount)

	return nil
}

// runProvisionWorker processes provision tasks.
func (c *NATSConsumer) runProvisionWorker(cons jetstream.Consumer, workerID int) {
	logger := c.logger.With("worker", workerID, "task", "provision")
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if err != context.DeadlineExceeded {
				logger.Warn("Fetch error", "error", err)
			}
			continue
		}

		for msg := range msgs.Messages() {
			c.processProvisionMessage(msg, logger)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			logger.Warn("Messages error", "error", msgs.Error())
		}
	}
}

func (c *NATSConsumer) processProvisionMessage(msg jetstream.Msg, logger *logging.Logger) {
	var task ProvisionTask
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		logger.Error("Failed to unmarshal provision task", "error", err)
		msg.Term() // don't redeliver malformed messages
		return
	}

	logger.Info("Processing provision task", "taskID", task.TaskID, "containerID", task.ContainerID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := c.provisionHandler(ctx, task); err != nil {
		logger.Error("Provision task failed", "taskID", task.TaskID, "error", err)
		msg.Nak() // will be redelivered
		return
	}

	msg.Ack()
	logger.Info("Provision task completed", "taskID", task.TaskID)
}

// runTeardownWorker processes teardown tasks.
func (c *NATSConsumer) runTeardownWorker(cons jetstream.Consumer, workerID int) {
	logger := c.logger.With("worker", workerID, "task", "teardown")
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if err != context.DeadlineExceeded {
				logger.Warn("Fetch error", "error", err)
			}
			continue
		}

		for msg := range msgs.Messages() {
			c.processTeardownMessage(msg, logger)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			logger.Warn("Messages error", "error", msgs.Error())
		}
	}
}

func (c *NATSConsumer) processTeardownMessage(msg jetstream.Msg, logger *logging.Logger) {
	var task TeardownTask
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		logger.Error("Failed to unmarshal teardown task", "error", err)
		msg.Term()
		return
	}

	logger.Info("Processing teardown task", "taskID", task.TaskID, "containerID", task.ContainerID)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.teardownHandler(ctx, task); err != nil {
		logger.Error("Teardown task failed", "taskID", task.TaskID, "error", err)
		msg.Nak()
		return
	}

	msg.Ack()
	logger.Info("Teardown task completed", "taskID", task.TaskID)
}

// Stop gracefully stops the consumer.
func (c *NATSConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	close(c.stopCh)
	c.running = false
	c.mu.Unlock()

	select {
	case <-c.doneCh:
		c.logger.Info("All NATS consumer workers stopped")
	case <-ctx.Done():
		c.logger.Warn("NATS consumer stop timed out")
	}

	return c.nc.Drain()
}

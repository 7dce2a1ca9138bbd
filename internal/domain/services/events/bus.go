package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/retry"
)

// Type names an event emitted by the custody core
type Type string

const (
	DepositDetected        Type = "depositDetected"
	MonitoringStarted      Type = "monitoringStarted"
	MonitoringStopped      Type = "monitoringStopped"
	ScanError              Type = "scanError"
	ConsolidationCompleted Type = "consolidationCompleted"
)

// ErrBusClosed is returned by Publish after Stop
var ErrBusClosed = errors.New("event bus closed")

// Event is the envelope delivered to handlers
type Event struct {
	ID         uuid.UUID   `json:"id"`
	Type       Type        `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// Payloads

type DepositDetectedPayload struct {
	Deposit *entities.DepositEvent `json:"deposit"`
	Source  string                 `json:"source"`
}

type MonitoringStartedPayload struct {
	AddressCount int    `json:"address_count"`
	StartBlock   uint64 `json:"start_block"`
}

type MonitoringStoppedPayload struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
}

type ScanErrorPayload struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
	Error     string `json:"error"`
}

type ConsolidationCompletedPayload struct {
	Result *entities.ConsolidationResult `json:"result"`
}

// Handler consumes one event. A returned error causes redelivery.
type Handler func(ctx context.Context, event Event) error

// Publisher is what emitting services depend on
type Publisher interface {
	Publish(ctx context.Context, t Type, payload interface{}) error
}

// Config tunes delivery
type Config struct {
	BufferSize     int
	HandlerTimeout time.Duration
	Retry          retry.Policy
}

// Bus delivers events asynchronously, in publish order, to every handler
// subscribed to the event's type. Each handler gets a bounded number of
// attempts.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]namedHandler
	queue    chan Event
	cfg      Config
	retrier  *retry.Retrier
	logger   *logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	started   bool
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewBus creates a new event bus
func NewBus(cfg Config, log *logger.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond}
	}
	return &Bus{
		handlers: make(map[Type][]namedHandler),
		queue:    make(chan Event, cfg.BufferSize),
		cfg:      cfg,
		retrier:  retry.NewRetrier(cfg.Retry, log.Zap()),
		logger:   log,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers fn for events of type t
func (b *Bus) Subscribe(t Type, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], namedHandler{name: name, fn: fn})
}

// Publish enqueues an event, blocking while the buffer is full
func (b *Bus) Publish(ctx context.Context, t Type, payload interface{}) error {
	event := Event{
		ID:         uuid.New(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}

	select {
	case b.queue <- event:
		return nil
	case <-b.closed:
		return ErrBusClosed
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", t, ctx.Err())
	}
}

// Start launches the delivery loop
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.run()
}

// Stop stops accepting events and delivers what is already queued
func (b *Bus) Stop() {
	b.closeOnce.Do(func() { close(b.closed) })

	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if started {
		<-b.done
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.closed:
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	handlers := append([]namedHandler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		attempts, err := b.retrier.Do(context.Background(), func(attempt int) error {
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
			defer cancel()
			return h.fn(ctx, event)
		})
		if err != nil {
			b.logger.Error("Event handler failed",
				"handler", h.name,
				"event_type", event.Type,
				"event_id", event.ID,
				"attempts", attempts,
				"error", err)
		}
	}
}

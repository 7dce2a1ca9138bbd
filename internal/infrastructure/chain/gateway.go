package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rail-service/custody_service/pkg/metrics"
	"github.com/rail-service/custody_service/pkg/retry"
)

// Caller is the raw JSON-RPC transport. *gethrpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// RPC is what the rest of the service uses to reach the chain.
type RPC interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

// GatewayConfig tunes the dispatcher
type GatewayConfig struct {
	RequestsPerSecond float64
	MaxAttempts       int
	RetryDelay        time.Duration
	CallTimeout       time.Duration
	QueueSize         int
}

type callResult struct {
	raw json.RawMessage
	err error
}

type callRequest struct {
	ctx        context.Context
	method     string
	params     []interface{}
	enqueuedAt time.Time
	done       chan callResult
}

// Gateway serializes every chain call through one FIFO dispatcher so the
// provider's request budget holds globally, whatever the number of callers.
type Gateway struct {
	caller  Caller
	cfg     GatewayConfig
	limiter *rate.Limiter
	retrier *retry.Retrier
	logger  *zap.Logger

	queue  chan *callRequest
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewGateway creates a gateway; Start must be called before Call.
func NewGateway(caller Caller, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// The bucket starts empty so the first call also waits one interval and
	// N calls never finish in under N/rps.
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	limiter.Allow()

	return &Gateway{
		caller:  caller,
		cfg:     cfg,
		limiter: limiter,
		retrier: retry.NewRetrier(retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Delay:       cfg.RetryDelay,
			Retryable:   IsTransient,
		}, logger),
		logger: logger,
		queue:  make(chan *callRequest, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Dial connects to an HTTP or websocket JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*gethrpc.Client, error) {
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return client, nil
}

// Start launches the dispatcher goroutine.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.wg.Add(1)
	go g.dispatch()

	g.logger.Info("RPC gateway started",
		zap.Float64("requests_per_second", g.cfg.RequestsPerSecond),
		zap.Int("max_attempts", g.cfg.MaxAttempts),
		zap.Duration("retry_delay", g.cfg.RetryDelay))
}

// Stop fails queued calls with ErrGatewayClosed and waits for the dispatcher.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	g.logger.Info("RPC gateway stopped")
}

// Call enqueues a request and blocks until the dispatcher resolves it or ctx ends.
func (g *Gateway) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	req := &callRequest{
		ctx:        ctx,
		method:     method,
		params:     params,
		enqueuedAt: time.Now(),
		done:       make(chan callResult, 1),
	}

	select {
	case <-g.stopCh:
		return nil, ErrGatewayClosed
	default:
	}

	select {
	case g.queue <- req:
		metrics.RPCQueueDepth.Inc()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.stopCh:
		return nil, ErrGatewayClosed
	}

	select {
	case res := <-req.done:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.stopCh:
		select {
		case res := <-req.done:
			return res.raw, res.err
		case <-time.After(g.cfg.CallTimeout):
			return nil, ErrGatewayClosed
		}
	}
}

func (g *Gateway) dispatch() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			g.drain()
			return
		case req := <-g.queue:
			metrics.RPCQueueDepth.Dec()
			g.execute(req)
		}
	}
}

func (g *Gateway) drain() {
	for {
		select {
		case req := <-g.queue:
			metrics.RPCQueueDepth.Dec()
			req.done <- callResult{err: ErrGatewayClosed}
		default:
			return
		}
	}
}

func (g *Gateway) execute(req *callRequest) {
	// Abandoned while queued: never reaches the provider.
	if err := req.ctx.Err(); err != nil {
		req.done <- callResult{err: err}
		return
	}

	ctx, span := otel.Tracer("chain-gateway").Start(req.ctx, "rpc."+req.method)
	defer span.End()

	var (
		raw     json.RawMessage
		lastErr error
	)
	attempts, err := g.retrier.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			metrics.RPCRetriesTotal.WithLabelValues(req.method, string(KindOf(lastErr))).Inc()
		}
		if err := g.wait(ctx); err != nil {
			return err
		}
		lastErr = g.invoke(ctx, req, &raw)
		return lastErr
	})

	span.SetAttributes(attribute.Int("rpc.attempts", attempts))
	if gerr, ok := err.(*Error); ok {
		gerr.Attempts = attempts
	}
	metrics.RPCCallLatency.WithLabelValues(req.method).Observe(time.Since(req.enqueuedAt).Seconds())

	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(req.method, string(KindOf(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		req.done <- callResult{err: err}
		return
	}

	metrics.RPCCallsTotal.WithLabelValues(req.method, "ok").Inc()
	req.done <- callResult{raw: raw}
}

// wait enforces the global inter-call interval. Stop interrupts the wait.
func (g *Gateway) wait(ctx context.Context) error {
	r := g.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-g.stopCh:
		r.Cancel()
		return ErrGatewayClosed
	}
}

func (g *Gateway) invoke(ctx context.Context, req *callRequest, raw *json.RawMessage) error {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := g.caller.CallContext(callCtx, raw, req.method, req.params...)
	if err == nil {
		return nil
	}
	// The caller gave up; report that rather than a provider fault.
	if req.ctx.Err() != nil {
		return req.ctx.Err()
	}
	kind := Classify(err)
	g.logger.Debug("RPC call failed",
		zap.String("method", req.method),
		zap.String("kind", string(kind)),
		zap.Error(err))

	return &Error{Kind: kind, Method: req.method, Err: err}
}

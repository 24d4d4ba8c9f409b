// Package enginestub provides a stand-in matching engine for
// development, demos, and tests.
//
// The real matching engine lives outside this process and speaks plain
// JSON over the broker. The stub mimics that contract: it consumes the
// request queue through a Transport, decodes each matching request, and
// replies on the request's ReplyTo queue with a raw response body and
// the correlation ID mirrored into the message properties. Replies
// deliberately skip the event envelope so the bridge's fallback decode
// path gets exercised the same way a foreign engine would exercise it.
//
// The default behavior accepts every request and echoes the message as
// "msg##msg". FailWith switches the stub to rejecting requests, and
// Config.Delay postpones replies, which is how matching timeout paths
// get tested.
package enginestub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/transport"
)

// Config configures the stub.
type Config struct {
	// RequestQueue is the queue the stub consumes matching requests
	// from. Default: "matching.request".
	RequestQueue string

	// Delay postpones each reply. Default: none.
	Delay time.Duration

	// Prefetch limits unacked deliveries. Default: transport.DefaultPrefetch.
	Prefetch int

	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	RequestQueue: "matching.request",
	Prefetch:     transport.DefaultPrefetch,
}

// Engine consumes matching requests and produces canned replies.
type Engine struct {
	cfg    Config
	tr     transport.Transport
	logger *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	mu       sync.RWMutex
	failWith string

	handled atomic.Int64
	replied atomic.Int64
}

// New creates an engine stub over the given transport. Zero config
// fields take defaults.
func New(tr transport.Transport, cfg Config) *Engine {
	if cfg.RequestQueue == "" {
		cfg.RequestQueue = DefaultConfig.RequestQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultConfig.Prefetch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		tr:     tr,
		logger: cfg.Logger.With(slog.String("component", "enginestub")),
	}
}

// FailWith makes the stub reject every subsequent request with the
// given error string. An empty string restores the success mode.
func (e *Engine) FailWith(errMsg string) {
	e.mu.Lock()
	e.failWith = errMsg
	e.mu.Unlock()
}

// Handled returns how many requests the stub has consumed.
func (e *Engine) Handled() int64 { return e.handled.Load() }

// Replied returns how many replies the stub has published.
func (e *Engine) Replied() int64 { return e.replied.Load() }

// Start begins consuming the request queue. The transport must already
// be connected.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine stub already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	deliveries, err := e.tr.Consume(runCtx, e.cfg.RequestQueue, transport.ConsumeOptions{
		Consumer: "enginestub",
		Prefetch: e.cfg.Prefetch,
	})
	if err != nil {
		cancel()
		e.started.Store(false)
		return fmt.Errorf("consume %s: %w", e.cfg.RequestQueue, err)
	}

	e.wg.Add(1)
	go e.serve(runCtx, deliveries)

	e.logger.Info("engine stub started", slog.String("queue", e.cfg.RequestQueue))
	return nil
}

// Stop cancels the consumer and waits for the in-flight request.
// Idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.logger.Info("engine stub stopped")
	return nil
}

func (e *Engine) serve(ctx context.Context, deliveries <-chan transport.Delivery) {
	defer e.wg.Done()
	for d := range deliveries {
		e.handle(ctx, d)
	}
}

// requestEnvelope is the broker shape of an outbound matching request.
type requestEnvelope struct {
	Metadata event.Metadata  `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

func (e *Engine) handle(ctx context.Context, d transport.Delivery) {
	e.handled.Add(1)

	var env requestEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		e.logger.Warn("request undecodable",
			slog.String("message_id", d.MessageID),
			slog.String("error", err.Error()),
		)
		e.settle(d.Nack(false), "nack")
		return
	}
	var req event.MatchRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		e.logger.Warn("request payload undecodable",
			slog.String("message_id", d.MessageID),
			slog.String("error", err.Error()),
		)
		e.settle(d.Nack(false), "nack")
		return
	}

	if d.ReplyTo == "" {
		e.logger.Warn("request has no reply queue, dropping",
			slog.String("task_id", req.TaskID),
		)
		e.settle(d.Ack(), "ack")
		return
	}

	if e.cfg.Delay > 0 {
		select {
		case <-time.After(e.cfg.Delay):
		case <-ctx.Done():
			e.settle(d.Nack(true), "nack")
			return
		}
	}

	resp := e.respond(req)
	body, err := json.Marshal(resp)
	if err != nil {
		e.logger.Error("response encode failed", slog.String("error", err.Error()))
		e.settle(d.Nack(false), "nack")
		return
	}

	// Replies go through the default exchange straight to the reply
	// queue, correlation carried in the message properties.
	err = e.tr.Publish(ctx, "", d.ReplyTo, transport.Publishing{
		Body:          body,
		ContentType:   "application/json",
		CorrelationID: d.CorrelationID,
		MessageID:     uuid.New().String(),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("reply publish failed, requeueing request",
			slog.String("task_id", req.TaskID),
			slog.String("error", err.Error()),
		)
		e.settle(d.Nack(true), "nack")
		return
	}

	e.replied.Add(1)
	e.logger.Debug("request answered",
		slog.String("kind", string(req.Kind)),
		slog.String("task_id", req.TaskID),
		slog.Bool("success", resp.Success),
	)
	e.settle(d.Ack(), "ack")
}

func (e *Engine) respond(req event.MatchRequest) event.MatchResponse {
	e.mu.RLock()
	failWith := e.failWith
	e.mu.RUnlock()

	if failWith != "" {
		return event.MatchResponse{
			Success: false,
			TaskID:  req.TaskID,
			Error:   failWith,
		}
	}
	return event.MatchResponse{
		Success:          true,
		TaskID:           req.TaskID,
		ProcessedMessage: req.Message + "##" + req.Message,
	}
}

func (e *Engine) settle(err error, op string) {
	if err != nil {
		e.logger.Warn("settle failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

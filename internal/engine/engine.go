// Package engine wires the conversation store, reply-chain resolver, context
// optimizer, and persistence manager into a single lifecycle-managed unit.
// The model backend and the chat transport are injected; the engine never
// imports either.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hollowlog/parley/internal/blend"
	"github.com/hollowlog/parley/internal/conversation"
	"github.com/hollowlog/parley/internal/otel"
	"github.com/hollowlog/parley/internal/persist"
	"github.com/hollowlog/parley/internal/refchain"
	"github.com/hollowlog/parley/internal/safety"
	"github.com/hollowlog/parley/internal/window"
)

// FunctionCall describes a structured call the model wants executed instead
// of (or alongside) a text reply. The engine passes it through untouched.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Reply is the model's answer to one inbound message.
type Reply struct {
	Text         string
	FunctionCall *FunctionCall
}

// recordContent returns what goes into the conversation record for this
// reply: the text when present, otherwise the function-call descriptor. A
// pure function-call turn still has to land in history or the record loses
// the assistant's side of the exchange.
func (r Reply) recordContent() string {
	if r.Text != "" || r.FunctionCall == nil {
		return r.Text
	}
	b, err := json.Marshal(r.FunctionCall)
	if err != nil {
		return r.FunctionCall.Name
	}
	return string(b)
}

// ModelClient is the injected model backend: a bounded message slice in,
// a reply out. Implementations own their own retry and resilience policy;
// the engine only degrades the context it sends on failure.
type ModelClient interface {
	Complete(ctx context.Context, msgs []conversation.Message) (Reply, error)
}

// Config controls engine behavior. Zero values take defaults.
type Config struct {
	Window window.Config

	// ReferenceMaxDepth bounds how many reply-chain ancestors are resolved
	// per inbound message.
	ReferenceMaxDepth int

	// MaintenanceSchedule is a standard 5-field cron expression for the
	// periodic maintenance pass. Empty disables it.
	MaintenanceSchedule string
}

// Deps are the engine's collaborators. Store, Manager, and Model are
// required; the rest default to no-op implementations.
type Deps struct {
	Store    *conversation.Store
	Manager  *persist.Manager
	Resolver *refchain.Resolver
	Mixer    *blend.Mixer
	Model    ModelClient
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
}

// Inbound is one message arriving from a transport.
type Inbound struct {
	// Identity keys the conversation record: a user for DMs, a channel for
	// blended chats.
	Identity string

	// Blended routes the context-building through the shared-channel mixer
	// instead of the single-identity record.
	Blended bool

	Message conversation.Message

	// ReplyTo is the external id of the message this one replies to, if any.
	ReplyTo string
}

// Engine is the conversation context engine.
type Engine struct {
	cfg      Config
	store    *conversation.Store
	manager  *persist.Manager
	resolver *refchain.Resolver
	mixer    *blend.Mixer
	model    ModelClient
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics

	leaks *safety.LeakDetector

	once sync.Once
	cron *cronlib.Cron
}

// New validates deps and returns an engine ready for Init.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("engine: persistence manager is required")
	}
	if deps.Model == nil {
		return nil, fmt.Errorf("engine: model client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("parley")
	}
	if cfg.ReferenceMaxDepth <= 0 {
		cfg.ReferenceMaxDepth = refchain.DefaultMaxDepth
	}
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		manager:  deps.Manager,
		resolver: deps.Resolver,
		mixer:    deps.Mixer,
		model:    deps.Model,
		logger:   logger.With("component", "engine"),
		tracer:   tracer,
		metrics:  deps.Metrics,
		leaks:    safety.NewLeakDetector(),
	}, nil
}

// Init loads the persisted snapshot, starts the periodic save loop, and
// schedules the maintenance pass. Safe to call once; later calls are no-ops.
func (e *Engine) Init(ctx context.Context) error {
	var initErr error
	e.once.Do(func() {
		ctx, span := otel.StartSpan(ctx, e.tracer, "engine.init")
		defer span.End()

		var c *cronlib.Cron
		if e.cfg.MaintenanceSchedule != "" {
			c = cronlib.New()
			_, err := c.AddFunc(e.cfg.MaintenanceSchedule, func() {
				e.Maintain(context.Background())
			})
			if err != nil {
				initErr = fmt.Errorf("maintenance schedule %q: %w", e.cfg.MaintenanceSchedule, err)
				return
			}
		}

		if err := e.manager.Load(ctx); err != nil {
			initErr = fmt.Errorf("load snapshot: %w", err)
			return
		}
		e.manager.StartPeriodicSave()
		if c != nil {
			c.Start()
			e.cron = c
		}

		e.logger.Info("engine initialized",
			"conversations", e.store.Count(),
			"maintenance_schedule", e.cfg.MaintenanceSchedule,
		)
	})
	return initErr
}

// Shutdown stops the maintenance cron and the save loop, then forces a final
// save of any dirty state.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cron != nil {
		stopped := e.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			e.logger.Warn("maintenance job still running at shutdown deadline")
		}
	}
	return e.manager.Shutdown(ctx)
}

// HandleInbound resolves the reply chain, records the message, builds a
// bounded context, calls the model, and records its reply. Context-building
// strategies are tried in order; the model is re-invoked with a simpler
// slice if a call fails.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (Reply, error) {
	if in.Identity == "" {
		return Reply{}, fmt.Errorf("inbound message without identity")
	}

	traceID := uuid.NewString()
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.handle_inbound",
		otel.AttrIdentity.String(in.Identity),
		otel.AttrTraceID.String(traceID),
	)
	defer span.End()
	logger := e.logger.With("trace", traceID, "identity", in.Identity)

	e.appendReferences(ctx, logger, in)

	before := e.store.Len(in.Identity)
	rec := e.store.Append(in.Identity, in.Message)
	if e.metrics != nil {
		e.metrics.AppendsTotal.Add(ctx, 1)
		if evicted := before + 1 - len(rec); before > 0 && evicted > 0 {
			e.metrics.EvictionsTotal.Add(ctx, int64(evicted))
		}
	}
	if in.Blended && e.mixer != nil {
		e.mixer.Add(in.Identity, blendKey(in.Message), in.Message)
	}

	record := e.contextRecord(in)
	reply, err := e.callModel(ctx, logger, record)
	if err != nil {
		return Reply{}, err
	}

	recorded := reply.recordContent()
	for _, warning := range e.leaks.Scan(recorded) {
		logger.Warn("possible secret in reply", "pattern", warning.Pattern, "sample", warning.Sample)
	}

	if recorded != "" {
		assistant := conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   recorded,
			Timestamp: time.Now(),
		}
		e.store.Append(in.Identity, assistant)
		if in.Blended && e.mixer != nil {
			e.mixer.Add(in.Identity, "assistant", assistant)
		}
	}
	return reply, nil
}

// appendReferences resolves the reply chain for an inbound message and
// appends the recovered context as reference entries, ahead of the message
// itself. Resolution is best-effort; failures only shorten the chain.
func (e *Engine) appendReferences(ctx context.Context, logger *slog.Logger, in Inbound) {
	if in.ReplyTo == "" || e.resolver == nil {
		return
	}
	chain := e.resolver.Resolve(ctx, refchain.Linked{Msg: in.Message, ReplyTo: in.ReplyTo}, e.cfg.ReferenceMaxDepth)
	if e.metrics != nil {
		e.metrics.ResolveDepth.Record(ctx, int64(len(chain)))
	}
	if len(chain) == 0 {
		return
	}
	for _, ref := range refchain.ExtractReferenceContext(chain, false) {
		e.store.Append(in.Identity, ref)
	}
	logger.Debug("reply chain resolved", "depth", len(chain))
}

// contextRecord returns the message slice context-building starts from:
// the merged shared-channel view for blended chats, the identity's own
// record otherwise.
func (e *Engine) contextRecord(in Inbound) []conversation.Message {
	if in.Blended && e.mixer != nil {
		return e.mixer.Merge(in.Identity)
	}
	return e.store.GetOrCreate(in.Identity)
}

// callModel walks the strategy chain until a model call succeeds.
func (e *Engine) callModel(ctx context.Context, logger *slog.Logger, record []conversation.Message) (Reply, error) {
	var lastErr error
	for _, st := range window.DefaultStrategies() {
		slice, err := st.Apply(record, e.cfg.Window)
		if err != nil {
			logger.Debug("context strategy rejected", "strategy", st.Name, "error", err)
			continue
		}
		if e.metrics != nil {
			e.metrics.OptimizedCalls.Add(ctx, 1)
			e.metrics.ContextTokens.Record(ctx, int64(window.EstimateSliceTokens(slice)))
		}

		callCtx, span := otel.StartClientSpan(ctx, e.tracer, "model.complete",
			otel.AttrSliceLen.Int(len(slice)),
		)
		reply, err := e.model.Complete(callCtx, slice)
		span.End()
		if err != nil {
			lastErr = err
			logger.Warn("model call failed, degrading context", "strategy", st.Name, "error", err)
			continue
		}
		return reply, nil
	}
	return Reply{}, fmt.Errorf("model call failed after all context strategies: %w", lastErr)
}

// Maintain runs one maintenance pass: age pruning, resolver cache reset,
// and a forced save when anything changed.
func (e *Engine) Maintain(ctx context.Context) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.maintain")
	defer span.End()

	pruned := e.manager.PruneByAge(ctx, time.Now())
	if e.resolver != nil {
		e.resolver.ResetCache()
	}
	if e.metrics != nil {
		if pruned > 0 {
			e.metrics.PrunedConversations.Add(ctx, int64(pruned))
		}
		e.metrics.ActiveConversations.Record(ctx, int64(e.store.Count()))
	}
	if pruned > 0 {
		if err := e.forcedSave(ctx); err != nil {
			e.logger.Error("save after maintenance failed", "error", err)
		}
	}
	e.logger.Info("maintenance pass complete", "pruned", pruned)
}

// forcedSave runs an unconditional snapshot save, recording its duration
// and failure count.
func (e *Engine) forcedSave(ctx context.Context) error {
	start := time.Now()
	_, err := e.manager.Save(ctx, true)
	if e.metrics != nil {
		e.metrics.SaveDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			e.metrics.SaveFailures.Add(ctx, 1)
		}
	}
	return err
}

// Clear resets one conversation to its persona-only state and forces a save.
func (e *Engine) Clear(ctx context.Context, identity string) bool {
	cleared := e.store.Clear(identity)
	if e.mixer != nil {
		e.mixer.Clear(identity)
	}
	if cleared {
		e.store.GetOrCreate(identity)
		if err := e.forcedSave(ctx); err != nil {
			e.logger.Error("save after clear failed", "identity", identity, "error", err)
		}
	}
	return cleared
}

// blendKey picks the per-user buffer key for a blended-channel message.
func blendKey(msg conversation.Message) string {
	if msg.Author != "" {
		return msg.Author
	}
	return "anonymous"
}

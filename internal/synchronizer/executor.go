package synchronizer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/schoolai/loro-extended-core/internal/adapter"
	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/logging"
	"github.com/schoolai/loro-extended-core/internal/monitoring"
	"github.com/schoolai/loro-extended-core/internal/tracing"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

// Executor performs the side effects Update names but never itself
// performs (spec §4.5/§5): adapter sends, doc/ephemeral store mutation,
// re-entering the dispatch queue, and logging. It holds the sole
// reference to the Model that is allowed to mutate it from outside
// Update, and only ever does so for bookkeeping Update has already
// decided on (e.g. applying an ephemeral frame the rules already
// cleared) — never for protocol decisions.
type Executor struct {
	model    *Model
	adapters *adapter.Manager
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewExecutor builds an Executor bound to model and adapters. A nil
// logger is replaced with a no-op logger and nil metrics with the shared
// process-wide monitoring.NewMetrics instance, so callers (and tests)
// never need to construct the ambient stack just to exercise the
// dispatch loop.
func NewExecutor(model *Model, adapters *adapter.Manager, logger *logging.Logger, metrics *monitoring.Metrics) *Executor {
	if logger == nil {
		logger = &logging.Logger{Logger: zap.NewNop()}
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	return &Executor{model: model, adapters: adapters, logger: logger, metrics: metrics}
}

// Execute runs one command to completion, including recursively draining
// CmdBatch and re-enqueuing CmdDispatch onto the model's dispatch queue.
func (e *Executor) Execute(ctx context.Context, cmd Command) {
	ctx, span := tracing.StartSpan(ctx, "synchronizer.execute_command", attribute.Int("cmd_type", int(cmd.Type)))
	defer span.End()

	switch cmd.Type {
	case CmdSendMessage:
		e.sendMessage(cmd.SendMessage)
	case CmdSendEstablishmentMessage:
		e.sendEstablishment(cmd.SendEstablishmentMessage)
	case CmdSubscribeDoc:
		e.model.ensureDoc(cmd.SubscribeDoc.DocID)
	case CmdApplyEphemeral:
		e.applyEphemeral(cmd.ApplyEphemeral)
	case CmdBroadcastEphemeralNamespace:
		e.broadcastNamespace(*cmd.BroadcastEphemeralNamespace)
	case CmdBroadcastEphemeralBatch:
		e.broadcastBatch(cmd.BroadcastEphemeralBatch)
	case CmdDispatch:
		if cmd.Dispatch != nil {
			e.model.enqueue(*cmd.Dispatch)
		}
	case CmdBatch:
		for _, inner := range cmd.Batch {
			e.Execute(ctx, inner)
		}
	case CmdLog:
		e.log(cmd.Log)
	}
}

// ExecuteAll runs every command in cmds in order, each under its own
// child span of ctx.
func (e *Executor) ExecuteAll(ctx context.Context, cmds []Command) {
	for _, cmd := range cmds {
		e.Execute(ctx, cmd)
	}
}

func (e *Executor) sendMessage(cmd *SendMessageCmd) {
	sent, err := e.adapters.Send(adapter.EstablishedEnvelope{ChannelIDs: cmd.ChannelIDs, Message: cmd.Message})
	e.metrics.MessagesSent.Add(float64(sent))
	if err != nil {
		e.metrics.ErrorCount.Inc()
		e.logger.Warn("adapter send failed", zap.Error(err), zap.Int("channel_count", len(cmd.ChannelIDs)))
	}
	if sent < len(cmd.ChannelIDs) {
		e.logger.Warn("message delivered to fewer channels than addressed",
			zap.Int("addressed", len(cmd.ChannelIDs)), zap.Int("sent", sent), zap.Any("type", cmd.Message.Type))
	}
}

func (e *Executor) sendEstablishment(cmd *SendEstablishmentMessageCmd) {
	sent, err := e.adapters.SendEstablishment(adapter.EstablishmentEnvelope{ChannelID: cmd.ChannelID, Message: cmd.Message})
	e.metrics.MessagesSent.Add(float64(sent))
	if err != nil {
		e.metrics.ErrorCount.Inc()
		e.logger.Warn("adapter establishment send failed", zap.Error(err), zap.Uint64("channel_id", uint64(cmd.ChannelID)))
	}
}

func (e *Executor) applyEphemeral(cmd *ApplyEphemeralCmd) {
	ds, ok := e.model.Documents.Get(cmd.DocID)
	if !ok {
		e.logger.Debug("ephemeral apply for unknown doc", zap.String("doc_id", cmd.DocID))
		return
	}
	store := e.model.ephemeralStore(cmd.DocID, ds, cmd.Namespace)

	if cmd.DeletePeerID != "" {
		store.Delete(cmd.DeletePeerID)
		return
	}
	if err := store.Apply(cmd.Data); err != nil {
		e.metrics.ErrorCount.Inc()
		e.logger.Warn("ephemeral apply failed", zap.String("doc_id", cmd.DocID), zap.String("namespace", cmd.Namespace), zap.Error(err))
	}
}

// ephemeralFrame builds the single wire frame for one (doc, namespace)
// store's current state, encoded from our own peer id's perspective.
func (e *Executor) ephemeralFrame(docID, namespace string, hops uint8) (wire.ChannelMsg, bool) {
	ds, ok := e.model.Documents.Get(docID)
	if !ok {
		return wire.ChannelMsg{}, false
	}
	store := e.model.ephemeralStore(docID, ds, namespace)
	data, err := store.EncodeAll()
	if err != nil {
		e.metrics.ErrorCount.Inc()
		e.logger.Warn("ephemeral encode failed", zap.String("doc_id", docID), zap.String("namespace", namespace), zap.Error(err))
		return wire.ChannelMsg{}, false
	}

	frame := wire.EphemeralStoreFrame{PeerID: e.model.cfg.OurIdentity.PeerID, Namespace: namespace, Data: data}
	return wire.ChannelMsg{Type: wire.TypeEphemeral, Ephemeral: &wire.EphemeralMessage{
		DocID: docID, HopsRemaining: hops, Stores: []wire.EphemeralStoreFrame{frame}, CorrelationID: newCorrelationID(),
	}}, true
}

func (e *Executor) broadcastNamespace(cmd BroadcastEphemeralNamespaceCmd) {
	msg, ok := e.ephemeralFrame(cmd.DocID, cmd.Namespace, cmd.HopsRemaining)
	if !ok || len(cmd.ToChannelIDs) == 0 {
		return
	}
	targets := e.filterEphemeralTargets(cmd.ToChannelIDs)
	if len(targets) == 0 {
		return
	}
	sent, err := e.adapters.Send(adapter.EstablishedEnvelope{ChannelIDs: targets, Message: msg})
	e.metrics.MessagesSent.Add(float64(sent))
	e.metrics.EphemeralBroadcasts.Inc()
	if err != nil {
		e.metrics.ErrorCount.Inc()
		e.logger.Warn("ephemeral broadcast failed", zap.Error(err))
	}
}

func (e *Executor) broadcastBatch(cmd *BroadcastEphemeralBatchCmd) {
	var msgs []wire.ChannelMsg
	for _, item := range cmd.Items {
		msg, ok := e.ephemeralFrame(item.DocID, item.Namespace, item.HopsRemaining)
		if ok {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return
	}
	targets := e.filterEphemeralTargets(cmd.ToChannelIDs)
	if len(targets) == 0 {
		return
	}

	batch := wire.ChannelMsg{Type: wire.TypeBatch, Batch: msgs}
	sent, err := e.adapters.Send(adapter.EstablishedEnvelope{ChannelIDs: targets, Message: batch})
	e.metrics.MessagesSent.Add(float64(sent))
	e.metrics.EphemeralBroadcasts.Add(float64(len(msgs)))
	if err != nil {
		e.metrics.ErrorCount.Inc()
		e.logger.Warn("ephemeral batch broadcast failed", zap.Error(err))
	}
}

// filterEphemeralTargets drops storage channels: storage never receives
// ephemeral data regardless of the hop budget the caller computed (spec
// §4.5.5, §4.6).
func (e *Executor) filterEphemeralTargets(ids []channel.ID) []channel.ID {
	out := make([]channel.ID, 0, len(ids))
	for _, id := range ids {
		ch, ok := e.model.Channels.Get(id)
		if !ok || ch.Kind == channel.Storage {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (e *Executor) log(cmd *LogCmd) {
	fields := make([]zap.Field, 0, len(cmd.Fields))
	for k, v := range cmd.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch cmd.Level {
	case "debug":
		e.logger.Debug(cmd.Message, fields...)
	case "info":
		e.logger.Info(cmd.Message, fields...)
	case "error":
		e.metrics.ErrorCount.Inc()
		e.logger.Error(cmd.Message, fields...)
	default:
		e.logger.Warn(cmd.Message, fields...)
	}
}

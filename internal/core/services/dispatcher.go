// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"golang.org/x/sync/errgroup"

	"omni-inbox/internal/adapters/dto"
	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

// ErrNotPageObject is returned for Facebook webhooks whose object is not "page"
var ErrNotPageObject = errors.New("webhook object is not a page")

// lineEventTypeMessage is the only LINE event type the inbox ingests
const lineEventTypeMessage = "message"

var tracer = otel.Tracer("omni-inbox/services")

// DispatcherDeps are the collaborators of the ingestion pipeline
type DispatcherDeps struct {
	Registry    *ChannelRegistry
	Customers   *CustomerResolver
	Chats       *ConversationReconciler
	Normalizer  *MessageNormalizer
	Messages    ports.MessageStore
	Dedup       ports.DedupRepository
	WebhookLogs ports.WebhookRepository
	Automation  *AutomationEngine
	Effects     *SideEffects
	Tasks       *TaskQueue
	Stats       *PipelineStats
}

// DispatcherOptions tunes the pipeline
type DispatcherOptions struct {
	// Concurrency bounds how many customers of one batch are processed at once
	Concurrency int
	DedupTTL    time.Duration
}

// Dispatcher orchestrates webhook processing: every sub-event is resolved,
// normalized and stored on its own, then its side effects are queued.
type Dispatcher struct {
	deps DispatcherDeps
	opts DispatcherOptions
}

// NewDispatcher creates a new dispatcher instance with dependencies injected
func NewDispatcher(deps DispatcherDeps, opts DispatcherOptions) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 24 * time.Hour
	}
	if deps.Stats == nil {
		deps.Stats = NewPipelineStats()
	}
	return &Dispatcher{deps: deps, opts: opts}
}

// BatchResult summarizes one webhook call
type BatchResult struct {
	Received   int `json:"received"`
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type batchCounters struct {
	received, processed, duplicates, skipped, failed atomic.Int64
}

func (c *batchCounters) result() BatchResult {
	return BatchResult{
		Received:   int(c.received.Load()),
		Processed:  int(c.processed.Load()),
		Duplicates: int(c.duplicates.Load()),
		Skipped:    int(c.skipped.Load()),
		Failed:     int(c.failed.Load()),
	}
}

// subEvent is one customer message extracted from a batch
type subEvent struct {
	channel    *domain.Channel
	uid        string
	providerID string
	normalize  func(ctx context.Context, customer *domain.Customer) (*domain.Message, error)
}

func (e *subEvent) groupKey() string {
	return e.channel.ID + "|" + e.uid
}

// lineWebhookBody keeps events raw so one bad event cannot sink the batch
type lineWebhookBody struct {
	Destination string            `json:"destination"`
	Events      []json.RawMessage `json:"events"`
}

// lineMessageRef reads the fields needed before the typed decode
type lineMessageRef struct {
	Type    string `json:"type"`
	Message struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"message"`
}

// lineMessageTypes are the LINE message types the normalizer stores
var lineMessageTypes = map[string]bool{
	"text": true, "image": true, "video": true, "audio": true,
	"file": true, "location": true, "sticker": true,
}

// ProcessLine ingests a verified LINE webhook body for its channel.
// Only an unparseable body is returned as an error.
func (d *Dispatcher) ProcessLine(ctx context.Context, ch *domain.Channel, payload []byte) (BatchResult, error) {
	var req lineWebhookBody
	if err := json.Unmarshal(payload, &req); err != nil {
		return BatchResult{}, fmt.Errorf("parse line webhook: %w", err)
	}
	if len(req.Events) == 0 {
		return BatchResult{}, nil
	}

	ctx, span := tracer.Start(ctx, "webhook.line")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel.id", ch.ID),
		attribute.Int("events", len(req.Events)),
	)

	logID := d.saveAuditLog(ctx, string(domain.ChannelTypeLine), payload)
	counters := &batchCounters{}

	var events []*subEvent
	for i, raw := range req.Events {
		var ref lineMessageRef
		if err := json.Unmarshal(raw, &ref); err != nil || ref.Type != lineEventTypeMessage {
			if err != nil {
				counters.received.Add(1)
				d.deps.Stats.received.Add(1)
				d.fail(counters, StageDecode, err, "channel_id", ch.ID, "event_index", i)
			}
			continue
		}
		counters.received.Add(1)
		d.deps.Stats.received.Add(1)

		if !lineMessageTypes[ref.Message.Type] {
			slog.Info("Unsupported LINE message skipped",
				"channel_id", ch.ID,
				"message_type", ref.Message.Type,
				"provider_message_id", ref.Message.ID,
			)
			d.skip(counters)
			continue
		}

		decoded, err := webhook.UnmarshalEvent(raw)
		if err != nil {
			d.fail(counters, StageDecode, err, "channel_id", ch.ID, "event_index", i, "provider_message_id", ref.Message.ID)
			continue
		}
		ev, ok := decoded.(webhook.MessageEvent)
		if !ok {
			d.skip(counters)
			continue
		}
		source, ok := ev.Source.(webhook.UserSource)
		if !ok || source.UserId == "" {
			slog.Debug("Skipping non-user LINE event",
				"source_type", fmt.Sprintf("%T", ev.Source),
				"channel_id", ch.ID,
			)
			d.skip(counters)
			continue
		}

		events = append(events, &subEvent{
			channel:    ch,
			uid:        source.UserId,
			providerID: ref.Message.ID,
			normalize: func(ctx context.Context, customer *domain.Customer) (*domain.Message, error) {
				return d.deps.Normalizer.NormalizeLine(ctx, ch, customer, ref.Message.ID, ev)
			},
		})
	}

	d.runGroups(ctx, events, counters)
	result := counters.result()
	d.finishAuditLog(logID, result)

	slog.Info("LINE webhook processing completed",
		"channel_id", ch.ID,
		"received", result.Received,
		"processed", result.Processed,
		"duplicates", result.Duplicates,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// ProcessFacebook ingests a verified Messenger webhook body.
// Each messaging event is routed by its recipient page; unknown pages are skipped.
// A sub-event that does not decode fails alone.
func (d *Dispatcher) ProcessFacebook(ctx context.Context, payload []byte) (BatchResult, error) {
	var req dto.FacebookWebhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return BatchResult{}, fmt.Errorf("parse facebook webhook: %w", err)
	}
	if req.Object != "page" {
		return BatchResult{}, ErrNotPageObject
	}

	ctx, span := tracer.Start(ctx, "webhook.facebook")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(req.Entry)))

	logID := d.saveAuditLog(ctx, string(domain.ChannelTypeFacebook), payload)
	counters := &batchCounters{}
	pages := make(map[string]*domain.Channel)

	var events []*subEvent
	for i, rawEntry := range req.Entry {
		var entry dto.FacebookEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			counters.received.Add(1)
			d.deps.Stats.received.Add(1)
			d.fail(counters, StageDecode, err, "entry_index", i)
			continue
		}

		for j, rawMessaging := range entry.Messaging {
			var messaging dto.FacebookMessaging
			if err := json.Unmarshal(rawMessaging, &messaging); err != nil {
				counters.received.Add(1)
				d.deps.Stats.received.Add(1)
				d.fail(counters, StageDecode, err, "page_id", entry.ID, "messaging_index", j)
				continue
			}
			if !messaging.IsUserMessage() {
				slog.Debug("Skipping non-user message event",
					"is_echo", messaging.Message != nil && messaging.Message.IsEcho,
					"has_delivery", messaging.Delivery != nil,
					"has_read", messaging.Read != nil,
				)
				continue
			}
			counters.received.Add(1)
			d.deps.Stats.received.Add(1)

			pageID := messaging.Recipient.ID
			ch, ok := pages[pageID]
			if !ok {
				resolved, err := d.deps.Registry.ResolveFacebookPage(ctx, pageID)
				switch {
				case errors.Is(err, domain.ErrChannelNotFound), errors.Is(err, domain.ErrChannelInactive):
					slog.Warn("Facebook event for unknown or inactive page, skipping",
						"page_id", pageID,
						"message_id", messaging.GetMessageID(),
					)
				case err != nil:
					d.fail(counters, StageChannel, err, "page_id", pageID, "message_id", messaging.GetMessageID())
					continue
				}
				pages[pageID] = resolved
				ch = resolved
			}
			if ch == nil {
				d.skip(counters)
				continue
			}

			events = append(events, &subEvent{
				channel:    ch,
				uid:        messaging.Sender.ID,
				providerID: messaging.GetMessageID(),
				normalize: func(_ context.Context, customer *domain.Customer) (*domain.Message, error) {
					return d.deps.Normalizer.NormalizeFacebook(ch, customer, &messaging)
				},
			})
		}
	}

	d.runGroups(ctx, events, counters)
	result := counters.result()
	d.finishAuditLog(logID, result)

	slog.Info("Facebook webhook processing completed",
		"received", result.Received,
		"processed", result.Processed,
		"duplicates", result.Duplicates,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// runGroups processes different customers in parallel and the same customer in order
func (d *Dispatcher) runGroups(ctx context.Context, events []*subEvent, counters *batchCounters) {
	var order []string
	groups := make(map[string][]*subEvent)
	for _, ev := range events {
		key := ev.groupKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			for _, ev := range group {
				d.processEvent(ctx, ev, counters)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// processEvent handles a single sub-event; every failure stays local to it
func (d *Dispatcher) processEvent(ctx context.Context, ev *subEvent, counters *batchCounters) {
	claimed := false
	settled := false
	defer func() {
		if r := recover(); r != nil {
			d.fail(counters, "panic", fmt.Errorf("%v", r), "customer_uid", ev.uid, "provider_message_id", ev.providerID)
		}
		if claimed && !settled {
			d.releaseClaim(ctx, ev.providerID)
		}
	}()

	ctx, span := tracer.Start(ctx, "webhook.event")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel.id", ev.channel.ID),
		attribute.String("provider.message_id", ev.providerID),
	)

	logAttrs := []any{
		"channel_id", ev.channel.ID,
		"customer_uid", ev.uid,
		"provider_message_id", ev.providerID,
	}

	// ========================================================================
	// Step 1: Claim the provider message id (redeliveries lose the claim)
	// ========================================================================
	if ev.providerID != "" && d.deps.Dedup != nil {
		ok, err := d.deps.Dedup.Claim(ctx, ev.providerID, d.opts.DedupTTL)
		switch {
		case err != nil:
			// The unique key on messages still rejects a second copy
			slog.Warn("Dedup claim failed, processing anyway", append(logAttrs, "error", err)...)
		case !ok:
			d.duplicate(counters)
			return
		default:
			claimed = true
		}
	}

	// ========================================================================
	// Step 2: Resolve customer, then normalize before any chat exists
	// ========================================================================
	customer, err := d.deps.Customers.Resolve(ctx, ev.channel, ev.uid)
	if err != nil {
		span.SetStatus(codes.Error, "customer")
		d.fail(counters, StageCustomer, err, logAttrs...)
		return
	}

	msg, err := ev.normalize(ctx, customer)
	if errors.Is(err, domain.ErrUnsupportedMessage) {
		slog.Info("Unsupported message skipped", append(logAttrs, "reason", err.Error())...)
		settled = true
		d.skip(counters)
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "normalize")
		d.fail(counters, StageNormalize, err, logAttrs...)
		return
	}

	// ========================================================================
	// Step 3: Resolve the active chat and persist
	// ========================================================================
	chat, isNew, err := d.deps.Chats.ResolveActiveChat(ctx, customer)
	if err != nil {
		span.SetStatus(codes.Error, "chat")
		d.fail(counters, StageChat, err, logAttrs...)
		return
	}
	msg.ChatID = chat.ID

	err = d.deps.Messages.Save(ctx, msg)
	if errors.Is(err, domain.ErrConflict) {
		settled = true
		d.duplicate(counters)
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "persist")
		d.fail(counters, StagePersist, err, logAttrs...)
		return
	}
	settled = true

	counters.processed.Add(1)
	d.deps.Stats.processed.Add(1)
	slog.Info("Message processed successfully",
		"message_id", msg.ID,
		"chat_id", chat.ID,
		"new_chat", isNew,
		"type", msg.Type,
	)

	// ========================================================================
	// Step 4: Queue automation and side effects (detached from the request)
	// ========================================================================
	inbound := InboundEvent{
		Channel:   ev.channel,
		Customer:  customer,
		Chat:      chat,
		Message:   msg,
		IsNewChat: isNew,
	}
	if d.deps.Tasks != nil {
		d.deps.Tasks.Submit(Task{
			Name: "inbound:" + msg.ID,
			Run: func(ctx context.Context) {
				d.runEffects(ctx, inbound)
			},
		})
	}
}

// releaseClaim frees the id of a failed event so the provider retry is processed
func (d *Dispatcher) releaseClaim(ctx context.Context, providerID string) {
	if err := d.deps.Dedup.Release(context.WithoutCancel(ctx), providerID); err != nil {
		slog.Warn("Failed to release dedup claim",
			"error", err,
			"provider_message_id", providerID,
		)
	}
}

func (d *Dispatcher) runEffects(ctx context.Context, ev InboundEvent) {
	if d.deps.Automation != nil {
		d.deps.Automation.Handle(ctx, ev)
	}
	if d.deps.Effects != nil {
		d.deps.Effects.Run(ctx, ev)
	}
}

func (d *Dispatcher) duplicate(counters *batchCounters) {
	counters.duplicates.Add(1)
	d.deps.Stats.duplicates.Add(1)
}

func (d *Dispatcher) skip(counters *batchCounters) {
	counters.skipped.Add(1)
	d.deps.Stats.skipped.Add(1)
}

func (d *Dispatcher) fail(counters *batchCounters, stage string, err error, attrs ...any) {
	counters.failed.Add(1)
	d.deps.Stats.fail(stage)
	slog.Error("Failed to process webhook event", append(attrs, "stage", stage, "error", err)...)
}

// saveAuditLog records the raw body; failures never block ingestion
func (d *Dispatcher) saveAuditLog(ctx context.Context, platform string, payload []byte) int64 {
	if d.deps.WebhookLogs == nil {
		return 0
	}
	id, err := d.deps.WebhookLogs.SaveLog(ctx, &domain.WebhookLog{
		Platform:    platform,
		PayloadJSON: json.RawMessage(payload),
		Status:      domain.WebhookStatusPending,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		slog.Error("Failed to save webhook log", "error", err, "platform", platform)
		return 0
	}
	return id
}

// finishAuditLog settles the log status in the background
func (d *Dispatcher) finishAuditLog(id int64, result BatchResult) {
	if id == 0 || d.deps.WebhookLogs == nil || d.deps.Tasks == nil {
		return
	}
	status := domain.WebhookStatusProcessed
	var errorLog *string
	if result.Failed > 0 {
		status = domain.WebhookStatusFailed
		summary := fmt.Sprintf("%d of %d events failed", result.Failed, result.Received)
		errorLog = &summary
	}
	d.deps.Tasks.Submit(Task{
		Name: fmt.Sprintf("webhook-log:%d", id),
		Run: func(ctx context.Context) {
			if err := d.deps.WebhookLogs.UpdateStatus(ctx, id, status, errorLog); err != nil {
				slog.Error("Failed to update webhook status",
					"error", err,
					"webhook_id", id,
					"status", status,
				)
			}
		},
	})
}

// Stats exposes the pipeline counters
func (d *Dispatcher) Stats() *PipelineStats {
	return d.deps.Stats
}

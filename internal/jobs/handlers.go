package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/notify"
	"github.com/troykelly/openclaw-projects-sub012/internal/outbox"
	"github.com/troykelly/openclaw-projects-sub012/internal/search"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
)

// relatedMemoryLimit is how many search hits a reminder attaches so the
// receiving agent has context without re-querying.
const relatedMemoryLimit = 3

// Handlers implements the built-in job kinds.
type Handlers struct {
	db      *storage.DB
	emitter *notify.Emitter
	search  *search.Engine
	outbox  *outbox.Store
	client  *http.Client
	logger  *slog.Logger
}

// NewHandlers wires the built-in handlers.
func NewHandlers(db *storage.DB, emitter *notify.Emitter, engine *search.Engine, ob *outbox.Store, logger *slog.Logger) *Handlers {
	return &Handlers{
		db:      db,
		emitter: emitter,
		search:  engine,
		outbox:  ob,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Register binds every built-in kind into the registry.
func (h *Handlers) Register(r *Registry) {
	r.Register(model.JobReminderNotBefore, HandlerFunc(h.Reminder))
	r.Register(model.JobNudgeNotAfter, HandlerFunc(h.Nudge))
	r.Register(model.JobAPIRefresh, HandlerFunc(h.APIRefresh))
	r.Register(model.JobDigestDaily, HandlerFunc(h.DigestDaily))
}

// Reminder fires when a work item becomes actionable (not_before
// reached). Attaches related memories so the woken agent starts with
// context.
func (h *Handlers) Reminder(ctx context.Context, job model.Job) error {
	var p model.ReminderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Terminal(fmt.Errorf("malformed reminder payload: %w", err))
	}

	item, err := storage.GetWorkItem(ctx, h.db.Pool(), p.WorkItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSkip
	}
	if err != nil {
		return err
	}
	if item.DeletedAt != nil || item.Status.Terminal() {
		return ErrSkip
	}
	// Date moved since this job was enqueued; the new date has its own job.
	if item.NotBefore == nil || !item.NotBefore.Equal(p.NotBefore) {
		return ErrSkip
	}

	recipient := ""
	if item.AssigneeEmail != nil {
		recipient = *item.AssigneeEmail
	}

	hookCtx := map[string]any{
		"work_item_id": item.ID.String(),
		"title":        item.Title,
		"not_before":   p.NotBefore.UTC().Format(time.RFC3339),
	}
	if related := h.relatedMemories(ctx, recipient, item.Title); len(related) > 0 {
		hookCtx["related_memories"] = related
	}

	_, err = h.emitter.Emit(ctx, notify.Request{
		Kind:           model.JobReminderNotBefore,
		Destination:    model.HookAgent,
		Recipient:      recipient,
		Context:        hookCtx,
		OccurredAt:     p.NotBefore,
		IdempotencyKey: fmt.Sprintf("%s:not_before:%s", item.ID, p.NotBefore.UTC().Format(time.RFC3339)),
		DedupGrouping:  item.ID.String(),
	})
	return err
}

// Nudge fires when a deadline (not_after) arrives and the item is still
// not done: wake the responsible agent.
func (h *Handlers) Nudge(ctx context.Context, job model.Job) error {
	var p model.NudgePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Terminal(fmt.Errorf("malformed nudge payload: %w", err))
	}

	item, err := storage.GetWorkItem(ctx, h.db.Pool(), p.WorkItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSkip
	}
	if err != nil {
		return err
	}
	if item.DeletedAt != nil || item.Status.Terminal() {
		return ErrSkip
	}
	if item.NotAfter == nil || !item.NotAfter.Equal(p.NotAfter) {
		return ErrSkip
	}

	recipient := ""
	if item.AssigneeEmail != nil {
		recipient = *item.AssigneeEmail
	}

	_, err = h.emitter.Emit(ctx, notify.Request{
		Kind:        model.JobNudgeNotAfter,
		Destination: model.HookWake,
		Recipient:   recipient,
		Context: map[string]any{
			"work_item_id": item.ID.String(),
			"title":        item.Title,
			"status":       string(item.Status),
			"not_after":    p.NotAfter.UTC().Format(time.RFC3339),
		},
		OccurredAt:     p.NotAfter,
		IdempotencyKey: fmt.Sprintf("%s:not_after:%s", item.ID, p.NotAfter.UTC().Format(time.RFC3339)),
		DedupGrouping:  item.ID.String(),
		Urgency:        model.UrgencyUrgent, // deadlines pierce quiet hours
	})
	return err
}

// relatedMemories runs a small hybrid search for the reminder context.
// Search trouble never blocks the reminder itself.
func (h *Handlers) relatedMemories(ctx context.Context, caller, text string) []map[string]any {
	if caller == "" || text == "" {
		return nil
	}
	resp, err := h.search.Search(ctx, search.Query{
		Caller:  caller,
		Text:    text,
		Limit:   relatedMemoryLimit,
		Sources: []search.Source{search.SourceMemory},
	})
	if err != nil {
		h.logger.Warn("related memory search failed", "error", err)
		return nil
	}
	out := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, map[string]any{
			"memory_id": r.ID.String(),
			"title":     r.Title,
			"score":     r.CombinedScore,
		})
	}
	return out
}

// APIRefresh re-fetches an onboarded API spec, diffs it against the
// stored hash, and records the new content as a derived memory.
func (h *Handlers) APIRefresh(ctx context.Context, job model.Job) error {
	var p model.APIRefreshPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Terminal(fmt.Errorf("malformed api refresh payload: %w", err))
	}

	src, err := h.db.GetAPISource(ctx, p.APISourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSkip
	}
	if err != nil {
		return err
	}

	body, err := h.fetchSpec(ctx, src.SpecURL)
	if err != nil {
		return err // retryable; network flakes shouldn't dead-letter
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	if src.ContentHash != nil && *src.ContentHash == hash {
		return ErrSkip // spec unchanged
	}

	created, err := h.db.UpsertDerivedMemory(ctx,
		"api-specs", "", "API spec: "+src.Name, string(body), []string{"api", src.Name})
	if err != nil {
		return err
	}
	if err := h.db.SetAPISourceHash(ctx, src.ID, hash); err != nil {
		return err
	}

	counts := map[string]any{"created": 0, "updated": 0, "deleted": 0}
	if created {
		counts["created"] = 1
	} else {
		counts["updated"] = 1
	}
	_, err = h.emitter.Emit(ctx, notify.Request{
		Kind:        model.JobAPIRefresh,
		Destination: model.HookAgent,
		Context: map[string]any{
			"api_source_id": src.ID.String(),
			"name":          src.Name,
			"content_hash":  hash,
			"changes":       counts,
		},
		IdempotencyKey: fmt.Sprintf("%s:refresh:%s", src.ID, hash),
		DedupGrouping:  src.ID.String(),
	})
	return err
}

func (h *Handlers) fetchSpec(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("jobs: build spec request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jobs: fetch spec: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jobs: fetch spec: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("jobs: read spec body: %w", err)
	}
	return body, nil
}

// DigestDaily folds the last 24 hours of reminder/nudge traffic into
// one summary per recipient.
func (h *Handlers) DigestDaily(ctx context.Context, job model.Job) error {
	var p model.DigestPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Terminal(fmt.Errorf("malformed digest payload: %w", err))
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	grouped, err := h.outbox.RecentByRecipient(ctx, since,
		[]string{model.JobReminderNotBefore, model.JobNudgeNotAfter})
	if err != nil {
		return err
	}
	if len(grouped) == 0 {
		return ErrSkip
	}

	var firstErr error
	for recipient, msgs := range grouped {
		items := make([]map[string]any, 0, len(msgs))
		for _, m := range msgs {
			var body model.HookBody
			if err := json.Unmarshal(m.Body, &body); err != nil {
				continue // unparseable history row, not worth failing the digest
			}
			items = append(items, map[string]any{
				"kind":        m.Kind,
				"occurred_at": body.OccurredAt.UTC().Format(time.RFC3339),
				"context":     body.Context,
			})
		}
		_, err := h.emitter.Emit(ctx, notify.Request{
			Kind:        model.JobDigestDaily,
			Destination: model.HookAgent,
			Recipient:   recipient,
			Context: map[string]any{
				"date":  p.Date,
				"count": len(items),
				"items": items,
			},
			IdempotencyKey: fmt.Sprintf("digest:%s:%s", p.Date, recipient),
			DedupGrouping:  "digest:" + p.Date,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Already-emitted recipients are protected by their idempotency keys
	// when the job retries.
	return firstErr
}

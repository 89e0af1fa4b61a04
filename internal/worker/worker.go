// Package worker runs scheduled and on-demand store audits off the
// event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-pds/granary/internal/audit"
	"github.com/opensource-pds/granary/internal/domain"
)

// Worker listens for audit requests per store and runs the automated
// audit when one arrives. It can also drive itself on a timer.
type Worker struct {
	bus     domain.EventBus
	auditor *audit.Auditor

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds audit worker configuration.
type Config struct {
	// Stores is the list of store IDs to watch.
	Stores []string

	// Interval, when positive, schedules a periodic audit request for
	// every configured store.
	Interval time.Duration
}

// NewWorker creates an audit worker over the bus and auditor.
func NewWorker(bus domain.EventBus, auditor *audit.Auditor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		auditor: auditor,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AuditRequest is the payload carried on the audit request topic.
type AuditRequest struct {
	StoreID     string `json:"storeId"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// Start subscribes to audit requests for every configured store and,
// when an interval is set, begins the periodic scheduler.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.Stores) == 0 {
		return fmt.Errorf("at least one store is required")
	}

	for _, storeID := range cfg.Stores {
		sub, err := w.bus.Subscribe(w.ctx, storeID, domain.TopicAuditRequested, func(ctx context.Context, msg *domain.Message) error {
			return w.handleRequest(ctx, msg)
		})
		if err != nil {
			slog.Error("failed to subscribe for store",
				"store_id", storeID,
				"error", err,
			)
			continue
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	if len(w.subscriptions) == 0 {
		return fmt.Errorf("no store subscriptions established")
	}

	if cfg.Interval > 0 {
		w.wg.Add(1)
		go w.schedule(cfg)
	}

	slog.Info("audit worker started",
		"store_count", len(w.subscriptions),
		"interval", cfg.Interval,
	)

	return nil
}

// schedule enqueues an audit request for every store on each tick.
func (w *Worker) schedule(cfg Config) {
	defer w.wg.Done()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, storeID := range cfg.Stores {
				if err := w.Enqueue(w.ctx, storeID, "scheduler"); err != nil {
					slog.Error("failed to enqueue scheduled audit",
						"store_id", storeID,
						"error", err,
					)
				}
			}
		}
	}
}

// Enqueue publishes an audit request for a store.
func (w *Worker) Enqueue(ctx context.Context, storeID, requestedBy string) error {
	if storeID == "" {
		return fmt.Errorf("storeID is required")
	}

	payload, err := json.Marshal(AuditRequest{
		StoreID:     storeID,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return err
	}

	return w.bus.Publish(ctx, storeID, domain.TopicAuditRequested, payload)
}

// handleRequest runs the automated audit named by a request message.
func (w *Worker) handleRequest(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req AuditRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse audit request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	storeID := req.StoreID
	if storeID == "" {
		storeID = msg.StoreID
	}
	if storeID == "" {
		return fmt.Errorf("audit request %s names no store", msg.ID)
	}

	traceID := msg.ID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	slog.Debug("running requested audit",
		"store_id", storeID,
		"trace_id", traceID,
		"requested_by", req.RequestedBy,
	)

	report, err := w.auditor.RunAutomatedAudit(ctx, storeID)
	if err != nil {
		slog.Error("automated audit failed",
			"store_id", storeID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	slog.Info("audit completed",
		"store_id", storeID,
		"report_id", report.ID,
		"risk_level", report.RiskLevel,
		"compliance_rate", report.ComplianceRate,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker and its scheduler.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("audit worker stopped")
	return nil
}

// Stats reports the worker's active subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-pds/granary/internal/audit"
	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/forecast"
	"github.com/opensource-pds/granary/internal/repository"
	"github.com/opensource-pds/granary/internal/rules"
	"github.com/opensource-pds/granary/internal/velocity"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	auditor  *audit.Auditor
	engine   *forecast.Engine
	reporter *forecast.Reporter
	custom   *rules.CustomEngine
	velocity *velocity.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, auditor *audit.Auditor, engine *forecast.Engine, reporter *forecast.Reporter, custom *rules.CustomEngine, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		auditor:  auditor,
		engine:   engine,
		reporter: reporter,
		custom:   custom,
		velocity: velocity.NewService(repo, cache),
		version:  version,
	}
}

// OrderItemRequest is one structured order line. Commodity is optional;
// when omitted it is inferred from the name.
type OrderItemRequest struct {
	Name      string  `json:"name"`
	Commodity string  `json:"commodity,omitempty"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit,omitempty"`
	UnitPrice float64 `json:"unitPrice,omitempty"`
}

// OrderRequest is the request body for POST /orders. Items may arrive
// structured or as legacy display strings like "Raw Rice (5kg)".
type OrderRequest struct {
	ID            string             `json:"id,omitempty"`
	StoreID       string             `json:"storeId"`
	BeneficiaryID string             `json:"beneficiaryId"`
	Items         []OrderItemRequest `json:"items,omitempty"`
	LegacyItems   []string           `json:"legacyItems,omitempty"`
	TotalAmount   float64            `json:"totalAmount,omitempty"`
	CreatedAt     time.Time          `json:"createdAt,omitempty"`
}

func (req *OrderRequest) toOrder() (*domain.Order, error) {
	if req.StoreID == "" || req.BeneficiaryID == "" {
		return nil, fmt.Errorf("storeId and beneficiaryId are required")
	}
	if len(req.Items) == 0 && len(req.LegacyItems) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	order := &domain.Order{
		ID:            req.ID,
		StoreID:       req.StoreID,
		BeneficiaryID: req.BeneficiaryID,
		TotalAmount:   req.TotalAmount,
		CreatedAt:     req.CreatedAt,
	}
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	for _, it := range req.Items {
		item := domain.LineItem{
			Name:      it.Name,
			Commodity: domain.Commodity(it.Commodity),
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			UnitPrice: it.UnitPrice,
		}
		if item.Commodity == "" {
			item.Commodity = domain.ClassifyCommodity(item.Name)
		}
		order.Items = append(order.Items, item)
	}

	for _, display := range req.LegacyItems {
		order.Items = append(order.Items, domain.ParseLegacyItem(display))
	}

	if order.TotalAmount == 0 {
		for _, item := range order.Items {
			order.TotalAmount += item.Quantity * item.UnitPrice
		}
	}

	return order, nil
}

// IngestOrder handles POST /orders.
func (h *Handler) IngestOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	order, err := req.toOrder()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveOrder(ctx, order); err != nil {
			slog.Error("failed to save order", "order_id", order.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save order",
			})
			return
		}
	}

	h.velocity.RecordOrder(ctx, order.StoreID, order.BeneficiaryID)

	if h.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"orderId":       order.ID,
			"beneficiaryId": order.BeneficiaryID,
		})
		if err := h.bus.Publish(ctx, order.StoreID, domain.TopicOrderIngested, payload); err != nil {
			slog.Warn("order ingested publish failed", "order_id", order.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, order)
}

// AuditBatchRequest is the request body for POST /audits/{storeID}.
type AuditBatchRequest struct {
	Orders []OrderRequest `json:"orders"`
}

// AuditBatch handles POST /audits/{storeID}: screen a posted batch of
// orders against the roster.
func (h *Handler) AuditBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID := chi.URLParam(r, "storeID")

	var req AuditBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	orders := make([]*domain.Order, 0, len(req.Orders))
	for i := range req.Orders {
		if req.Orders[i].StoreID == "" {
			req.Orders[i].StoreID = storeID
		}
		order, err := req.Orders[i].toOrder()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("order %d: %v", i, err),
			})
			return
		}
		orders = append(orders, order)
	}

	roster, err := h.buildRoster(ctx, orders)
	if err != nil {
		slog.Error("failed to resolve roster", "store_id", storeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to resolve beneficiary roster",
		})
		return
	}

	report, err := h.auditor.AuditOrders(ctx, storeID, orders, roster)
	if err != nil {
		slog.Error("batch audit failed", "store_id", storeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "audit failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// buildRoster resolves each unique beneficiary in the batch. Unknown
// beneficiaries stay absent so the auditor flags their orders.
func (h *Handler) buildRoster(ctx context.Context, orders []*domain.Order) (map[string]*domain.BeneficiaryProfile, error) {
	roster := make(map[string]*domain.BeneficiaryProfile)
	if h.repo == nil {
		return roster, nil
	}

	for _, order := range orders {
		if _, seen := roster[order.BeneficiaryID]; seen {
			continue
		}
		b, err := h.repo.FetchBeneficiary(ctx, order.BeneficiaryID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		roster[b.ID] = b
	}

	return roster, nil
}

// RunAudit handles POST /audits/{storeID}/run: audit the store's stored
// orders from the trailing window.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	report, err := h.auditor.RunAutomatedAudit(r.Context(), storeID)
	if err != nil {
		slog.Error("automated audit failed", "store_id", storeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "audit failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// LatestAudit handles GET /audits/{storeID}/latest.
func (h *Handler) LatestAudit(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	report, err := h.auditor.LatestReport(r.Context(), storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no audit report for store",
			})
			return
		}
		slog.Error("failed to fetch latest report", "store_id", storeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch latest report",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetForecast handles GET /forecasts/{storeID}/{item}?horizon=3.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	item, ok := parseCommodity(chi.URLParam(r, "item"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown commodity",
		})
		return
	}

	horizon := 0
	if v := r.URL.Query().Get("horizon"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 12 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "horizon must be an integer between 1 and 12",
			})
			return
		}
		horizon = parsed
	}

	result, err := h.engine.Forecast(r.Context(), storeID, item, horizon)
	if err != nil {
		slog.Error("forecast failed", "store_id", storeID, "item", item, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "forecast failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetDemandReport handles GET /stores/{storeID}/demand-report.
func (h *Handler) GetDemandReport(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	report, err := h.reporter.GenerateStoreReport(r.Context(), storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "store not found",
			})
			return
		}
		slog.Error("demand report failed", "store_id", storeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "demand report failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// UpsertStore handles PUT /stores/{storeID}: register or update a store.
func (h *Handler) UpsertStore(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	var info domain.StoreInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	info.ID = storeID

	if info.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}

	if err := h.repo.SaveStore(r.Context(), &info); err != nil {
		slog.Error("failed to save store", "store_id", storeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save store",
		})
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// UpsertBeneficiary handles PUT /beneficiaries/{id}: roster maintenance.
func (h *Handler) UpsertBeneficiary(w http.ResponseWriter, r *http.Request) {
	benID := chi.URLParam(r, "id")

	var profile domain.BeneficiaryProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	profile.ID = benID

	if profile.CardTier == "" || profile.HouseholdSize <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "cardTier and a positive householdSize are required",
		})
		return
	}
	if !domain.ValidTier(profile.CardTier) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown card tier %q", profile.CardTier),
		})
		return
	}

	if err := h.repo.SaveBeneficiary(r.Context(), &profile); err != nil {
		slog.Error("failed to save beneficiary", "beneficiary_id", benID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save beneficiary",
		})
		return
	}

	// Drop any stale cached profile so the next audit sees this version.
	if h.cache != nil {
		if err := h.cache.Delete(r.Context(), profile.HomeStoreID, "profile:"+benID); err != nil {
			slog.Debug("profile cache invalidation failed", "beneficiary_id", benID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, profile)
}

// GetBeneficiary handles GET /beneficiaries/{id}.
func (h *Handler) GetBeneficiary(w http.ResponseWriter, r *http.Request) {
	benID := chi.URLParam(r, "id")

	profile, err := h.repo.FetchBeneficiary(r.Context(), benID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "beneficiary not found",
			})
			return
		}
		slog.Error("failed to fetch beneficiary", "beneficiary_id", benID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch beneficiary",
		})
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// RecordDemand handles POST /stores/{storeID}/demand/{item}: append one
// observed month of demand.
func (h *Handler) RecordDemand(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	item, ok := parseCommodity(chi.URLParam(r, "item"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown commodity",
		})
		return
	}

	var point domain.HistoricalDemandPoint
	if err := json.NewDecoder(r.Body).Decode(&point); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if point.Period == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "period is required",
		})
		return
	}

	if err := h.repo.SaveDemandPoint(r.Context(), storeID, item, &point); err != nil {
		slog.Error("failed to save demand point", "store_id", storeID, "item", item, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save demand point",
		})
		return
	}

	writeJSON(w, http.StatusOK, point)
}

// SetStock handles PUT /stores/{storeID}/stock/{item}.
func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	item, ok := parseCommodity(chi.URLParam(r, "item"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown commodity",
		})
		return
	}

	var body struct {
		Quantity float64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Quantity < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "a non-negative quantity is required",
		})
		return
	}

	if err := h.repo.SetCurrentStock(r.Context(), storeID, item, body.Quantity); err != nil {
		slog.Error("failed to set stock", "store_id", storeID, "item", item, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to set stock",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"storeId":  storeID,
		"item":     item,
		"quantity": body.Quantity,
	})
}

// ListRules returns all custom rules loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via
// POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.custom.LoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a custom rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.custom.LoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a custom rule.
type CreateRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression"`
	Kind        string  `json:"kind"`
	Severity    string  `json:"severity"`
	RiskScore   float64 `json:"riskScore"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule creates a custom rule and saves it to the database. After
// saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.RiskScore < 0 || req.RiskScore > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "riskScore must be between 0 and 100",
		})
		return
	}

	rule := &domain.CustomRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1",
		Expression:  req.Expression,
		Kind:        domain.IssueKind(req.Kind),
		Severity:    domain.Severity(req.Severity),
		RiskScore:   req.RiskScore,
		Enabled:     req.Enabled,
	}

	// Validate the CEL expression before persisting.
	if err := h.custom.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveCustomRule(ctx, rule); err != nil {
			slog.Error("failed to save custom rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("custom rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all enabled custom rules from the database into
// the engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListCustomRules(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.custom.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("custom rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// GetPolicy handles GET /policy: the policy table currently in force.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.auditor.Policy())
}

// UpdatePolicy handles PUT /policy: persist a new policy version and
// swap it into the audit and forecast engines.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var policy domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if policy.Version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version is required",
		})
		return
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}

	if h.repo != nil {
		if err := h.repo.SavePolicy(ctx, &policy); err != nil {
			slog.Error("failed to save policy", "version", policy.Version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save policy",
			})
			return
		}
	}

	h.auditor.SetPolicy(&policy)
	if h.engine != nil {
		h.engine.SetPolicy(&policy)
	}

	slog.Info("policy updated", "version", policy.Version)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policy updated",
		"version": policy.Version,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func parseCommodity(s string) (domain.Commodity, bool) {
	c := domain.Commodity(s)
	for _, tracked := range domain.TrackedCommodities() {
		if c == tracked {
			return c, true
		}
	}
	if c == domain.CommodityOther {
		return c, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Package handler содержит HTTP-обработчики API сервиса growth.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/utubchat/growth-system/internal/middleware"
	"github.com/utubchat/growth-system/internal/model"
	"github.com/utubchat/growth-system/internal/repository"
	"github.com/utubchat/growth-system/internal/service"
	"github.com/utubchat/growth-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AssignVariant(ctx context.Context, testID, userID string) (*service.AssignmentResult, error)
	TrackEvent(ctx context.Context, testID, userID string, event model.EventType) error
	DistributeAdCommissions(ctx context.Context, sourceEventID string) (*service.DistributionResult, error)
	DistributeOrderCommissions(ctx context.Context, orderID string) (*service.DistributionResult, error)
	EnrollReferral(ctx context.Context, userID, sponsorID string) error
	GetAffiliateChain(ctx context.Context, userID string) ([]model.AffiliateLink, error)
	GetWalletBalance(ctx context.Context, userID string) (int64, error)
	RecordOrder(ctx context.Context, userID string, amount int64) (string, error)
	RecordAdSpend(ctx context.Context, userID string, amount int64) (string, error)
	CreateTest(ctx context.Context, name string, status model.TestStatus, variants []model.Variant) (*model.Test, []model.Variant, error)
	UpdateTestStatus(ctx context.Context, testID string, status model.TestStatus) error
	GetTestResults(ctx context.Context, testID string) ([]model.VariantResult, error)
}

// Handler реализует HTTP-обработчики API сервиса growth.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *Handler) clientError(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, failureResponse{Success: false, Error: msg})
}

type assignRequest struct {
	TestID string `json:"testId"`
	UserID string `json:"userId"`
}

type variantPayload struct {
	VariantName  string `json:"variant_name"`
	MessageTitle string `json:"message_title"`
	MessageBody  string `json:"message_body"`
	CTAText      string `json:"cta_text"`
	CTALink      string `json:"cta_link"`
}

type assignmentPayload struct {
	TestID     string         `json:"test_id"`
	UserID     string         `json:"user_id"`
	VariantID  string         `json:"variant_id"`
	AssignedAt string         `json:"assigned_at"`
	Variant    variantPayload `json:"notification_test_variants"`
}

type assignResponse struct {
	Success         bool               `json:"success"`
	Assignment      *assignmentPayload `json:"assignment"`
	IsNewAssignment bool               `json:"isNewAssignment"`
	Message         string             `json:"message,omitempty"`
}

// AssignVariant возвращает пользователю закреплённый вариант теста,
// при первом обращении выполняя взвешенный выбор.
func (h *Handler) AssignVariant(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.clientError(w, "invalid request body")
		return
	}

	if !validation.IsValidID(req.TestID) || !validation.IsValidID(req.UserID) {
		h.clientError(w, "testId and userId are required")
		return
	}

	res, err := h.service.AssignVariant(r.Context(), req.TestID, req.UserID)
	if err != nil {
		if errors.Is(err, service.ErrNoVariants) {
			h.clientError(w, err.Error())
			return
		}
		h.logger.Error("assign variant error", zap.Error(err), zap.String("testID", req.TestID))
		h.clientError(w, "assignment failed")
		return
	}

	if res == nil {
		// Неизвестный или неактивный тест — определённое пустое состояние.
		h.writeJSON(w, http.StatusOK, assignResponse{
			Success: true,
			Message: "no active test",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, assignResponse{
		Success: true,
		Assignment: &assignmentPayload{
			TestID:     res.Assignment.TestID,
			UserID:     res.Assignment.UserID,
			VariantID:  res.Assignment.VariantID,
			AssignedAt: res.Assignment.CreatedAt.Format(time.RFC3339),
			Variant: variantPayload{
				VariantName:  res.Variant.Name,
				MessageTitle: res.Variant.MessageTitle,
				MessageBody:  res.Variant.MessageBody,
				CTAText:      res.Variant.CTAText,
				CTALink:      res.Variant.CTALink,
			},
		},
		IsNewAssignment: res.IsNew,
	})
}

type trackRequest struct {
	TestID    string `json:"testId"`
	UserID    string `json:"userId"`
	EventType string `json:"eventType"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TrackEvent фиксирует событие (просмотр, клик, конверсия) по закреплению.
func (h *Handler) TrackEvent(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.clientError(w, "invalid request body")
		return
	}

	if !validation.IsValidID(req.TestID) || !validation.IsValidID(req.UserID) {
		h.clientError(w, "testId and userId are required")
		return
	}

	event, ok := validation.ParseEventType(req.EventType)
	if !ok {
		h.clientError(w, "unknown event type")
		return
	}

	if err := h.service.TrackEvent(r.Context(), req.TestID, req.UserID, event); err != nil {
		if errors.Is(err, repository.ErrAssignmentNotFound) {
			h.clientError(w, "no assignment found")
			return
		}
		h.logger.Error("track event error", zap.Error(err), zap.String("testID", req.TestID))
		h.clientError(w, "tracking failed")
		return
	}

	h.writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "event tracked"})
}

type commissionPayload struct {
	Level       int     `json:"level"`
	AffiliateID string  `json:"affiliate_id"`
	Amount      int64   `json:"amount"`
	Rate        float64 `json:"rate"`
}

type distributionResponse struct {
	Success     bool                `json:"success"`
	Commissions []commissionPayload `json:"commissions"`
	TotalPaid   int64               `json:"total_paid"`
	Message     string              `json:"message,omitempty"`
}

type serverErrorResponse struct {
	Error string `json:"error"`
}

// DistributeAdCommissions распределяет комиссии с события рекламного расхода.
func (h *Handler) DistributeAdCommissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceEventID string `json:"sourceEventId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validation.IsValidID(req.SourceEventID) {
		h.clientError(w, "sourceEventId is required")
		return
	}

	h.distribute(w, r, req.SourceEventID, h.service.DistributeAdCommissions)
}

// DistributeOrderCommissions распределяет комиссии с заказа магазина.
func (h *Handler) DistributeOrderCommissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validation.IsValidID(req.OrderID) {
		h.clientError(w, "orderId is required")
		return
	}

	h.distribute(w, r, req.OrderID, h.service.DistributeOrderCommissions)
}

func (h *Handler) distribute(w http.ResponseWriter, r *http.Request, sourceID string, fn func(context.Context, string) (*service.DistributionResult, error)) {
	res, err := fn(r.Context(), sourceID)
	if err != nil {
		h.logger.Error("distribute commissions error", zap.Error(err), zap.String("sourceID", sourceID))
		h.writeJSON(w, http.StatusInternalServerError, serverErrorResponse{Error: err.Error()})
		return
	}

	resp := distributionResponse{
		Success:     true,
		Commissions: make([]commissionPayload, 0, len(res.Commissions)),
		TotalPaid:   res.TotalPaid,
	}
	for _, c := range res.Commissions {
		resp.Commissions = append(resp.Commissions, commissionPayload{
			Level:       c.Level,
			AffiliateID: c.AffiliateID,
			Amount:      c.Amount,
			Rate:        float64(c.RateBP) / 10000,
		})
	}
	if len(resp.Commissions) == 0 {
		resp.Message = "No affiliates to pay commissions to"
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type referralRequest struct {
	UserID    string `json:"userId"`
	SponsorID string `json:"sponsorId"`
}

// EnrollReferral назначает пользователю спонсора.
func (h *Handler) EnrollReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.clientError(w, "invalid request body")
		return
	}

	if !validation.IsValidID(req.UserID) || !validation.IsValidID(req.SponsorID) {
		h.clientError(w, "userId and sponsorId are required")
		return
	}

	err := h.service.EnrollReferral(r.Context(), req.UserID, req.SponsorID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSelfReferral),
			errors.Is(err, service.ErrReferralCycle),
			errors.Is(err, repository.ErrReferralExists):
			h.clientError(w, err.Error())
		default:
			h.logger.Error("enroll referral error", zap.Error(err), zap.String("userID", req.UserID))
			h.clientError(w, "enrollment failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "sponsor assigned"})
}

type chainLinkPayload struct {
	AffiliateID string `json:"affiliate_id"`
	Level       int    `json:"level"`
}

type chainResponse struct {
	Success bool               `json:"success"`
	Chain   []chainLinkPayload `json:"chain"`
}

// GetAffiliateChain возвращает цепочку спонсоров пользователя.
func (h *Handler) GetAffiliateChain(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "userID")
	if !validation.IsValidID(userID) {
		h.clientError(w, "invalid user id")
		return
	}

	chain, err := h.service.GetAffiliateChain(r.Context(), userID)
	if err != nil {
		h.logger.Error("get affiliate chain error", zap.Error(err), zap.String("userID", userID))
		h.writeJSON(w, http.StatusInternalServerError, serverErrorResponse{Error: err.Error()})
		return
	}

	resp := chainResponse{Success: true, Chain: make([]chainLinkPayload, 0, len(chain))}
	for _, l := range chain {
		resp.Chain = append(resp.Chain, chainLinkPayload{AffiliateID: l.AffiliateID, Level: l.Level})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type walletResponse struct {
	Success bool  `json:"success"`
	Balance int64 `json:"balance"`
}

// GetWallet возвращает баланс кошелька пользователя.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "userID")
	if !validation.IsValidID(userID) {
		h.clientError(w, "invalid user id")
		return
	}

	balance, err := h.service.GetWalletBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get wallet error", zap.Error(err), zap.String("userID", userID))
		h.writeJSON(w, http.StatusInternalServerError, serverErrorResponse{Error: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, walletResponse{Success: true, Balance: balance})
}

type sourceEventRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
}

// RecordOrder сохраняет заказ магазина.
func (h *Handler) RecordOrder(w http.ResponseWriter, r *http.Request) {
	h.recordSourceEvent(w, r, "orderId", h.service.RecordOrder)
}

// RecordAdSpend сохраняет событие рекламного расхода.
func (h *Handler) RecordAdSpend(w http.ResponseWriter, r *http.Request) {
	h.recordSourceEvent(w, r, "sourceEventId", h.service.RecordAdSpend)
}

func (h *Handler) recordSourceEvent(w http.ResponseWriter, r *http.Request, idField string, fn func(context.Context, string, int64) (string, error)) {
	var req sourceEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.clientError(w, "invalid request body")
		return
	}

	if !validation.IsValidID(req.UserID) {
		h.clientError(w, "userId is required")
		return
	}
	if req.Amount <= 0 {
		h.clientError(w, "amount must be positive")
		return
	}

	id, err := fn(r.Context(), req.UserID, req.Amount)
	if err != nil {
		h.logger.Error("record source event error", zap.Error(err), zap.String("userID", req.UserID))
		h.writeJSON(w, http.StatusInternalServerError, serverErrorResponse{Error: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, idField: id})
}

type createTestRequest struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Variants []struct {
		Name              string  `json:"name"`
		MessageTitle      string  `json:"message_title"`
		MessageBody       string  `json:"message_body"`
		CTAText           string  `json:"cta_text"`
		CTALink           string  `json:"cta_link"`
		TrafficAllocation float64 `json:"traffic_allocation"`
	} `json:"variants"`
}

type createdVariantPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createTestResponse struct {
	Success  bool                    `json:"success"`
	TestID   string                  `json:"testId"`
	Variants []createdVariantPayload `json:"variants"`
}

// CreateTest создаёт тест вместе с вариантами.
func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	var req createTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.clientError(w, "invalid request body")
		return
	}

	if req.Name == "" {
		h.clientError(w, "name is required")
		return
	}

	variants := make([]model.Variant, 0, len(req.Variants))
	for _, v := range req.Variants {
		if v.Name == "" {
			h.clientError(w, "variant name is required")
			return
		}
		variants = append(variants, model.Variant{
			Name:              v.Name,
			MessageTitle:      v.MessageTitle,
			MessageBody:       v.MessageBody,
			CTAText:           v.CTAText,
			CTALink:           v.CTALink,
			TrafficAllocation: v.TrafficAllocation,
		})
	}

	test, created, err := h.service.CreateTest(r.Context(), req.Name, model.TestStatus(req.Status), variants)
	if err != nil {
		if errors.Is(err, service.ErrNoVariants) || errors.Is(err, service.ErrInvalidTestStatus) {
			h.clientError(w, err.Error())
			return
		}
		h.logger.Error("create test error", zap.Error(err), zap.String("name", req.Name))
		h.writeJSON(w, http.StatusInternalServerError, serverErrorResponse{Error: err.Error()})
		return
	}

	resp := createTestResponse{Success: true, TestID: test.ID}
	for _, v := range created {
		resp.Variants = append(resp.Variants, createdVariantPayload{ID: v.ID, Name: v.Name})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// UpdateTestStatus изменяет статус теста.
func (h *Handler) UpdateTestStatus(w http.ResponseWriter, r *http.Request) {
	testID := pathParam(r, "testID")
	if !validation.IsValidID(testID) {
		h.clientError(w, "invalid test id")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.clientError(w, "invalid request body")
		return
	}

	err := h.service.UpdateTestStatus(r.Context(), testID, model.TestStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTestStatus), errors.Is(err, service.ErrTestHasAssignments):
			h.clientError(w, err.Error())
		case errors.Is(err, repository.ErrTestNotFound):
			h.clientError(w, err.Error())
		default:
			h.logger.Error("update test status error", zap.Error(err), zap.String("testID", testID))
			h.writeJSON(w, http.StatusInternalServerError, serverErrorResponse{Error: err.Error()})
		}
		return
	}

	h.writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "status updated"})
}

type resultsResponse struct {
	Success bool                  `json:"success"`
	Results []model.VariantResult `json:"results"`
}

// GetTestResults возвращает агрегированные метрики теста по вариантам.
func (h *Handler) GetTestResults(w http.ResponseWriter, r *http.Request) {
	testID := pathParam(r, "testID")
	if !validation.IsValidID(testID) {
		h.clientError(w, "invalid test id")
		return
	}

	results, err := h.service.GetTestResults(r.Context(), testID)
	if err != nil {
		if errors.Is(err, repository.ErrTestNotFound) {
			h.clientError(w, err.Error())
			return
		}
		h.logger.Error("get test results error", zap.Error(err), zap.String("testID", testID))
		h.writeJSON(w, http.StatusInternalServerError, serverErrorResponse{Error: err.Error()})
		return
	}

	if results == nil {
		results = []model.VariantResult{}
	}

	h.writeJSON(w, http.StatusOK, resultsResponse{Success: true, Results: results})
}

// Package handler содержит HTTP-обработчики API SMM-панели.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/avoronkov/smmpanel-system/internal/middleware"
	"github.com/avoronkov/smmpanel-system/internal/model"
	"github.com/avoronkov/smmpanel-system/internal/repository"
	"github.com/avoronkov/smmpanel-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	PlaceOrder(ctx context.Context, userID int64, req service.PlaceOrderRequest) (*service.PlaceOrderResult, error)
	GetOrdersByUser(ctx context.Context, userID int64, status, search string) ([]model.Order, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	ListServices() []model.Service
}

// Handler реализует HTTP-обработчики API SMM-панели.
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

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type authResponse struct {
	Success       bool    `json:"success"`
	Token         string  `json:"token"`
	WalletBalance float64 `json:"walletBalance"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			writeError(w, http.StatusBadRequest, "login already registered")
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	token, err := h.authMiddleware.IssueToken(userID, model.RoleUser)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: token})
}

// Login выполняет аутентификацию пользователя и выдаёт bearer-токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid login or password")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	token, err := h.authMiddleware.IssueToken(u.ID, u.Role)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Success:       true,
		Token:         token,
		WalletBalance: model.FloatFromCents(u.BalanceCents),
	})
}

type createOrderRequest struct {
	Category  string      `json:"category"`
	ServiceID string      `json:"serviceId"`
	Link      string      `json:"link"`
	Quantity  json.Number `json:"quantity"`
}

type orderResponse struct {
	ID              int64   `json:"id"`
	Category        string  `json:"category"`
	ServiceID       string  `json:"serviceId"`
	ServiceName     string  `json:"serviceName"`
	Link            string  `json:"link"`
	Quantity        int64   `json:"quantity"`
	RatePer1k       float64 `json:"ratePer1k"`
	Charge          float64 `json:"charge"`
	Status          string  `json:"status"`
	PaymentStatus   string  `json:"paymentStatus"`
	ProviderOrderID *string `json:"providerOrderId"`
	FailureReason   *string `json:"failureReason"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:              o.ID,
		Category:        o.Category,
		ServiceID:       o.ServiceID,
		ServiceName:     o.ServiceName,
		Link:            o.Link,
		Quantity:        o.Quantity,
		RatePer1k:       model.FloatFromCents(o.RatePer1kCents),
		Charge:          model.FloatFromCents(o.ChargeCents),
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		ProviderOrderID: o.ProviderOrderID,
		FailureReason:   o.FailureReason,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       o.UpdatedAt.Format(time.RFC3339),
	}
}

type createOrderResponse struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	Order         orderResponse `json:"order"`
	WalletBalance float64       `json:"walletBalance"`
}

// CreateOrder размещает заказ от имени текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Количество принимается и числом, и строкой; нечисловое значение
	// отсеет валидация в сервисе.
	quantity, _ := req.Quantity.Int64()

	res, err := h.service.PlaceOrder(r.Context(), userID, service.PlaceOrderRequest{
		Category:  req.Category,
		ServiceID: req.ServiceID,
		Link:      req.Link,
		Quantity:  quantity,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput),
			errors.Is(err, service.ErrInvalidService),
			errors.Is(err, service.ErrQuantityOutOfRange):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusBadRequest, "Insufficient balance. Please add funds.")
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, service.ErrProviderFailed):
			writeError(w, http.StatusBadGateway, "Provider failed to place order. Amount refunded to wallet.")
		default:
			h.logger.Error("create order error", zap.Error(err), zap.Int64("userID", userID))
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		Success:       true,
		Message:       "Order placed successfully",
		Order:         toOrderResponse(*res.Order),
		WalletBalance: model.FloatFromCents(res.BalanceCents),
	})
}

type ordersListResponse struct {
	Success bool            `json:"success"`
	Orders  []orderResponse `json:"orders"`
}

// GetMyOrders возвращает заказы текущего пользователя с фильтрами из query.
func (h *Handler) GetMyOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	status := r.URL.Query().Get("status")
	search := r.URL.Query().Get("search")

	orders, err := h.service.GetOrdersByUser(r.Context(), userID, status, search)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := ordersListResponse{Success: true, Orders: make([]orderResponse, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

type serviceResponse struct {
	ID        string  `json:"id"`
	Category  string  `json:"category"`
	Name      string  `json:"name"`
	RatePer1k float64 `json:"ratePer1k"`
	Min       int64   `json:"min"`
	Max       int64   `json:"max"`
}

type servicesListResponse struct {
	Success  bool              `json:"success"`
	Services []serviceResponse `json:"services"`
}

// GetServices возвращает каталог доступных услуг.
func (h *Handler) GetServices(w http.ResponseWriter, r *http.Request) {
	services := h.service.ListServices()

	resp := servicesListResponse{Success: true, Services: make([]serviceResponse, 0, len(services))}
	for _, s := range services {
		resp.Services = append(resp.Services, serviceResponse{
			ID:        s.ID,
			Category:  s.Category,
			Name:      s.Name,
			RatePer1k: s.RatePer1k.InexactFloat64(),
			Min:       s.Min,
			Max:       s.Max,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type balanceResponse struct {
	Success       bool    `json:"success"`
	WalletBalance float64 `json:"walletBalance"`
}

// GetBalance возвращает баланс кошелька текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Success: true, WalletBalance: balance.Current})
}

// Healthz отвечает на проверку живости сервиса.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

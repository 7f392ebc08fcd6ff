package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/avoronkov/smmpanel-system/internal/catalog"
	"github.com/avoronkov/smmpanel-system/internal/model"
	"github.com/avoronkov/smmpanel-system/internal/provider"
	"github.com/avoronkov/smmpanel-system/internal/repository"
)

type stubRepo struct {
	balanceCents int64
	userExists   bool

	lastDraft   *repository.OrderDraft
	debitCalls  int
	refundCalls int
	markCalls   int

	order *model.Order

	debitErr  error
	refundErr error
	markErr   error

	// refundCtxErr и markCtxErr фиксируют состояние контекста, с которым
	// репозиторий был вызван после обращения к провайдеру.
	refundCtxErr error
	markCtxErr   error

	// markNoop имитирует условное обновление, не нашедшее pending-заказ.
	markNoop bool
	// refundNoop имитирует компенсацию по заказу, уже ушедшему из pending.
	refundNoop bool
}

func newStubRepo(balanceCents int64) *stubRepo {
	return &stubRepo{balanceCents: balanceCents, userExists: true}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, role string) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	if !s.userExists {
		return nil, repository.ErrUserNotFound
	}
	return &model.User{ID: 1, Login: login, PasswordHash: hashPassword(login, "correct"), Role: model.RoleUser}, nil
}

func (s *stubRepo) GetBalance(ctx context.Context, userID int64) (int64, error) {
	if !s.userExists {
		return 0, repository.ErrUserNotFound
	}
	return s.balanceCents, nil
}

func (s *stubRepo) CreateOrderWithDebit(ctx context.Context, draft repository.OrderDraft) (*model.Order, int64, error) {
	s.debitCalls++
	if s.debitErr != nil {
		return nil, 0, s.debitErr
	}
	if !s.userExists {
		return nil, 0, repository.ErrUserNotFound
	}
	if s.balanceCents < draft.ChargeCents {
		return nil, 0, repository.ErrInsufficientBalance
	}

	s.lastDraft = &draft
	s.balanceCents -= draft.ChargeCents

	s.order = &model.Order{
		ID:             1,
		UserID:         draft.UserID,
		Category:       draft.Category,
		ServiceID:      draft.ServiceID,
		ServiceName:    draft.ServiceName,
		Link:           draft.Link,
		Quantity:       draft.Quantity,
		RatePer1kCents: draft.RatePer1kCents,
		ChargeCents:    draft.ChargeCents,
		Status:         model.OrderStatusPending,
		PaymentStatus:  model.PaymentStatusPaid,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	return s.order, s.balanceCents, nil
}

func (s *stubRepo) MarkOrderProcessing(ctx context.Context, orderID int64, providerOrderID string, raw []byte) (*model.Order, error) {
	s.markCalls++
	s.markCtxErr = ctx.Err()
	if s.markErr != nil {
		return nil, s.markErr
	}
	if !s.markNoop && s.order.Status == model.OrderStatusPending {
		s.order.Status = model.OrderStatusProcessing
		s.order.ProviderOrderID = &providerOrderID
		s.order.RawProviderResponse = raw
	}
	return s.order, nil
}

func (s *stubRepo) RefundOrder(ctx context.Context, orderID, userID, chargeCents int64, reason string, raw []byte) error {
	s.refundCalls++
	s.refundCtxErr = ctx.Err()
	if s.refundErr != nil {
		return s.refundErr
	}
	if s.refundNoop || s.order.Status != model.OrderStatusPending {
		return nil
	}
	s.order.Status = model.OrderStatusFailed
	s.order.PaymentStatus = model.PaymentStatusRefunded
	s.order.FailureReason = &reason
	s.balanceCents += chargeCents
	return nil
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64, filter repository.OrderFilter) ([]model.Order, error) {
	if s.order == nil {
		return nil, nil
	}
	return []model.Order{*s.order}, nil
}

func newTestService(repo Repository, gw provider.Gateway) *Service {
	return NewService(repo, catalog.Default(), gw, time.Second, nil)
}

func validRequest() PlaceOrderRequest {
	return PlaceOrderRequest{
		Category:  "instagram",
		ServiceID: "1",
		Link:      "https://example.com/profile",
		Quantity:  1000,
	}
}

func TestPlaceOrder_Success(t *testing.T) {
	repo := newStubRepo(1000) // 10.00
	svc := newTestService(repo, provider.NewMock())

	res, err := svc.PlaceOrder(context.Background(), 1, validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	// 1000 единиц по 0.5 за 1k = 0.50
	if repo.lastDraft.ChargeCents != 50 {
		t.Fatalf("charge = %d cents, want 50", repo.lastDraft.ChargeCents)
	}
	if res.BalanceCents != 950 {
		t.Fatalf("balance after debit = %d, want 950", res.BalanceCents)
	}
	if res.Order.Status != model.OrderStatusProcessing {
		t.Fatalf("order status = %s, want processing", res.Order.Status)
	}
	if res.Order.PaymentStatus != model.PaymentStatusPaid {
		t.Fatalf("payment status = %s, want paid", res.Order.PaymentStatus)
	}
	if res.Order.ProviderOrderID == nil || !strings.HasPrefix(*res.Order.ProviderOrderID, "demo_") {
		t.Fatalf("provider order id not set: %+v", res.Order.ProviderOrderID)
	}
	if repo.refundCalls != 0 {
		t.Fatalf("refund must not run on success")
	}
}

func TestPlaceOrder_ProviderFailureRefunds(t *testing.T) {
	repo := newStubRepo(1000)
	gw := provider.NewMock()
	gw.Fail = true
	gw.FailMessage = "provider out of capacity"

	svc := newTestService(repo, gw)

	_, err := svc.PlaceOrder(context.Background(), 1, validRequest())
	if !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}

	if repo.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1", repo.refundCalls)
	}
	if repo.balanceCents != 1000 {
		t.Fatalf("balance after refund = %d, want 1000", repo.balanceCents)
	}
	if repo.order.Status != model.OrderStatusFailed {
		t.Fatalf("order status = %s, want failed", repo.order.Status)
	}
	if repo.order.PaymentStatus != model.PaymentStatusRefunded {
		t.Fatalf("payment status = %s, want refunded", repo.order.PaymentStatus)
	}
	if repo.order.FailureReason == nil || *repo.order.FailureReason != "provider out of capacity" {
		t.Fatalf("failure reason not recorded: %+v", repo.order.FailureReason)
	}
}

func TestPlaceOrder_RefundReplayIsNoop(t *testing.T) {
	repo := newStubRepo(1000)
	repo.refundNoop = true

	gw := provider.NewMock()
	gw.Fail = true

	svc := newTestService(repo, gw)

	_, err := svc.PlaceOrder(context.Background(), 1, validRequest())
	if !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}

	// Компенсация по не-pending заказу ничего не меняет и не считается ошибкой.
	if repo.balanceCents != 950 {
		t.Fatalf("noop refund must not change balance, got %d", repo.balanceCents)
	}
}

func TestPlaceOrder_MarkProcessingNoopIsSuccess(t *testing.T) {
	repo := newStubRepo(1000)
	repo.markNoop = true

	svc := newTestService(repo, provider.NewMock())

	res, err := svc.PlaceOrder(context.Background(), 1, validRequest())
	if err != nil {
		t.Fatalf("conditional-update noop must not be an error: %v", err)
	}
	if res.Order == nil {
		t.Fatalf("order must be returned even when the transition matched nothing")
	}
}

type gatewayFunc func(ctx context.Context, req provider.PlacementRequest) provider.Result

func (f gatewayFunc) PlaceOrder(ctx context.Context, req provider.PlacementRequest) provider.Result {
	return f(ctx, req)
}

func TestPlaceOrder_CompletesAfterCallerDisconnect(t *testing.T) {
	// После списания обрыв клиентского соединения не должен прерывать
	// ни компенсацию, ни перевод заказа в processing.
	t.Run("provider failure still refunds", func(t *testing.T) {
		repo := newStubRepo(1000)

		ctx, cancel := context.WithCancel(context.Background())
		gw := gatewayFunc(func(context.Context, provider.PlacementRequest) provider.Result {
			cancel() // клиент отключился во время обращения к провайдеру
			return provider.Result{Success: false, Message: "provider down"}
		})

		svc := newTestService(repo, gw)

		_, err := svc.PlaceOrder(ctx, 1, validRequest())
		if !errors.Is(err, ErrProviderFailed) {
			t.Fatalf("expected ErrProviderFailed, got %v", err)
		}

		if repo.refundCalls != 1 {
			t.Fatalf("refund calls = %d, want 1", repo.refundCalls)
		}
		if repo.refundCtxErr != nil {
			t.Fatalf("refund ran on a cancelled context: %v", repo.refundCtxErr)
		}
		if repo.balanceCents != 1000 {
			t.Fatalf("balance after refund = %d, want 1000", repo.balanceCents)
		}
	})

	t.Run("provider success still advances", func(t *testing.T) {
		repo := newStubRepo(1000)

		ctx, cancel := context.WithCancel(context.Background())
		gw := gatewayFunc(func(context.Context, provider.PlacementRequest) provider.Result {
			cancel()
			return provider.Result{Success: true, ProviderOrderID: "p-1"}
		})

		svc := newTestService(repo, gw)

		res, err := svc.PlaceOrder(ctx, 1, validRequest())
		if err != nil {
			t.Fatalf("PlaceOrder error: %v", err)
		}

		if repo.markCalls != 1 {
			t.Fatalf("mark calls = %d, want 1", repo.markCalls)
		}
		if repo.markCtxErr != nil {
			t.Fatalf("status update ran on a cancelled context: %v", repo.markCtxErr)
		}
		if res.Order.Status != model.OrderStatusProcessing {
			t.Fatalf("order status = %s, want processing", res.Order.Status)
		}
	})
}

func TestPlaceOrder_QuantityOutOfRange(t *testing.T) {
	repo := newStubRepo(1000)
	svc := newTestService(repo, provider.NewMock())

	req := validRequest()
	req.Quantity = 50 // min для услуги 1 — 100

	_, err := svc.PlaceOrder(context.Background(), 1, req)
	if !errors.Is(err, ErrQuantityOutOfRange) {
		t.Fatalf("expected ErrQuantityOutOfRange, got %v", err)
	}
	if !strings.Contains(err.Error(), "between 100 and 50000") {
		t.Fatalf("error must cite the bounds, got %q", err.Error())
	}
	if repo.debitCalls != 0 {
		t.Fatalf("no debit may happen before validation passes")
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	repo := newStubRepo(10) // 0.10, а заказ стоит 0.50
	svc := newTestService(repo, provider.NewMock())

	_, err := svc.PlaceOrder(context.Background(), 1, validRequest())
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if repo.refundCalls != 0 {
		t.Fatalf("nothing to refund when debit was rejected")
	}
	if repo.balanceCents != 10 {
		t.Fatalf("balance must be unchanged, got %d", repo.balanceCents)
	}
}

func TestPlaceOrder_UserNotFound(t *testing.T) {
	repo := newStubRepo(0)
	repo.userExists = false

	svc := newTestService(repo, provider.NewMock())

	_, err := svc.PlaceOrder(context.Background(), 42, validRequest())
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestPlaceOrder_InvalidService(t *testing.T) {
	repo := newStubRepo(1000)
	svc := newTestService(repo, provider.NewMock())

	req := validRequest()
	req.Category = "tiktok"

	_, err := svc.PlaceOrder(context.Background(), 1, req)
	if !errors.Is(err, ErrInvalidService) {
		t.Fatalf("expected ErrInvalidService, got %v", err)
	}
}

func TestPlaceOrder_InputValidation(t *testing.T) {
	repo := newStubRepo(1000)
	svc := newTestService(repo, provider.NewMock())

	tests := []struct {
		name   string
		mutate func(*PlaceOrderRequest)
	}{
		{
			name:   "empty link",
			mutate: func(r *PlaceOrderRequest) { r.Link = "" },
		},
		{
			name:   "non-http link",
			mutate: func(r *PlaceOrderRequest) { r.Link = "ftp://example.com" },
		},
		{
			name:   "zero quantity",
			mutate: func(r *PlaceOrderRequest) { r.Quantity = 0 },
		},
		{
			name:   "negative quantity",
			mutate: func(r *PlaceOrderRequest) { r.Quantity = -5 },
		},
		{
			name:   "empty category",
			mutate: func(r *PlaceOrderRequest) { r.Category = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := svc.PlaceOrder(context.Background(), 1, req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if repo.debitCalls != 0 {
		t.Fatalf("validation errors must not reach the store")
	}
}

func TestPlaceOrder_ChargeRounding(t *testing.T) {
	tests := []struct {
		name      string
		serviceID string
		quantity  int64
		wantCents int64
	}{
		{
			// 2500 лайков по 0.3 за 1k
			name:      "likes",
			serviceID: "2",
			quantity:  2500,
			wantCents: 75,
		},
		{
			// 100000 просмотров по 0.1 за 1k
			name:      "views",
			serviceID: "3",
			quantity:  100000,
			wantCents: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newStubRepo(100000)
			svc := newTestService(repo, provider.NewMock())

			req := validRequest()
			req.ServiceID = tt.serviceID
			req.Quantity = tt.quantity

			if _, err := svc.PlaceOrder(context.Background(), 1, req); err != nil {
				t.Fatalf("PlaceOrder error: %v", err)
			}
			if repo.lastDraft.ChargeCents != tt.wantCents {
				t.Fatalf("charge = %d cents, want %d", repo.lastDraft.ChargeCents, tt.wantCents)
			}
		})
	}
}

func TestPlaceOrder_RefundErrorSurfaces(t *testing.T) {
	repo := newStubRepo(1000)
	repo.refundErr = errors.New("connection lost")

	gw := provider.NewMock()
	gw.Fail = true

	svc := newTestService(repo, gw)

	_, err := svc.PlaceOrder(context.Background(), 1, validRequest())
	if err == nil || errors.Is(err, ErrProviderFailed) {
		t.Fatalf("failed compensation must surface as an internal error, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	repo := newStubRepo(0)
	svc := newTestService(repo, provider.NewMock())

	u, err := svc.AuthenticateUser(context.Background(), "user", "correct")
	if err != nil {
		t.Fatalf("AuthenticateUser error: %v", err)
	}
	if u.ID != 1 {
		t.Fatalf("user id = %d, want 1", u.ID)
	}

	if _, err := svc.AuthenticateUser(context.Background(), "user", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	repo.userExists = false
	if _, err := svc.AuthenticateUser(context.Background(), "ghost", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown login must map to ErrInvalidCredentials, got %v", err)
	}
}

func TestGetBalance(t *testing.T) {
	repo := newStubRepo(950)
	svc := newTestService(repo, provider.NewMock())

	b, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if b.Current != 9.5 {
		t.Fatalf("balance = %v, want 9.5", b.Current)
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

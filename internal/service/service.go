// Package service реализует бизнес-логику SMM-панели: размещение заказов
// с гарантией сохранности средств, запросы заказов и учётные операции.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/avoronkov/smmpanel-system/internal/catalog"
	"github.com/avoronkov/smmpanel-system/internal/model"
	"github.com/avoronkov/smmpanel-system/internal/provider"
	"github.com/avoronkov/smmpanel-system/internal/repository"
)

// ErrInvalidInput возвращается, если входные данные заказа неполны или некорректны.
var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidService возвращается при выборе несуществующей услуги.
	ErrInvalidService = errors.New("invalid service selected")
	// ErrQuantityOutOfRange возвращается, если количество вне допустимых границ услуги.
	ErrQuantityOutOfRange = errors.New("quantity out of range")
	// ErrProviderFailed возвращается, если провайдер не принял заказ; средства к этому моменту возвращены.
	ErrProviderFailed = errors.New("provider failed to place order")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role string) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	CreateOrderWithDebit(ctx context.Context, draft repository.OrderDraft) (*model.Order, int64, error)
	MarkOrderProcessing(ctx context.Context, orderID int64, providerOrderID string, raw []byte) (*model.Order, error)
	RefundOrder(ctx context.Context, orderID, userID, chargeCents int64, reason string, raw []byte) error
	GetOrdersByUser(ctx context.Context, userID int64, filter repository.OrderFilter) ([]model.Order, error)
}

// Service содержит бизнес-логику SMM-панели.
type Service struct {
	repo            Repository
	catalog         *catalog.Catalog
	gateway         provider.Gateway
	providerTimeout time.Duration
	logger          *zap.Logger
	validate        *validator.Validate
}

const defaultProviderTimeout = 15 * time.Second

// NewService создаёт новый сервис с указанными репозиторием, каталогом и шлюзом провайдера.
func NewService(repo Repository, cat *catalog.Catalog, gateway provider.Gateway, providerTimeout time.Duration, logger *zap.Logger) *Service {
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:            repo,
		catalog:         cat,
		gateway:         gateway,
		providerTimeout: providerTimeout,
		logger:          logger,
		validate:        validator.New(),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// PlaceOrderRequest содержит входные данные запроса на размещение заказа.
type PlaceOrderRequest struct {
	Category  string `validate:"required"`
	ServiceID string `validate:"required"`
	Link      string `validate:"required"`
	Quantity  int64  `validate:"required,gt=0"`
}

// PlaceOrderResult содержит созданный заказ и баланс кошелька после списания.
type PlaceOrderResult struct {
	Order        *model.Order
	BalanceCents int64
}

var validLink = regexp.MustCompile(`(?i)^https?://.+`)

// PlaceOrder размещает заказ: проверяет входные данные, вычисляет стоимость,
// атомарно списывает её с кошелька вместе с созданием заказа, обращается к
// провайдеру и при его отказе выполняет компенсацию — возврат средств с
// переводом заказа в failed/refunded. После списания работа продолжается на
// отвязанном от запроса контексте: обрыв соединения с клиентом не должен
// оставить деньги в подвешенном состоянии.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: category, service, link and quantity are required", ErrInvalidInput)
	}
	if !validLink.MatchString(req.Link) {
		return nil, fmt.Errorf("%w: link must be a valid http(s) URL", ErrInvalidInput)
	}

	svc, ok := s.catalog.Find(req.Category, req.ServiceID)
	if !ok {
		return nil, ErrInvalidService
	}

	if req.Quantity < svc.Min || req.Quantity > svc.Max {
		return nil, fmt.Errorf("%w: quantity must be between %d and %d", ErrQuantityOutOfRange, svc.Min, svc.Max)
	}

	charge := model.ComputeCharge(req.Quantity, svc.RatePer1k)

	order, newBalance, err := s.repo.CreateOrderWithDebit(ctx, repository.OrderDraft{
		UserID:         userID,
		Category:       svc.Category,
		ServiceID:      svc.ID,
		ServiceName:    svc.Name,
		Link:           req.Link,
		Quantity:       req.Quantity,
		RatePer1kCents: model.CentsFromDecimal(svc.RatePer1k),
		ChargeCents:    model.CentsFromDecimal(charge),
	})
	if err != nil {
		return nil, err
	}

	// С этого момента деньги списаны: заказ обязан дойти до терминального
	// состояния независимо от судьбы клиентского соединения.
	detached := context.WithoutCancel(ctx)

	provCtx, cancel := context.WithTimeout(detached, s.providerTimeout)
	defer cancel()

	res := s.gateway.PlaceOrder(provCtx, provider.PlacementRequest{
		ProviderServiceID: svc.ProviderServiceID,
		Link:              req.Link,
		Quantity:          req.Quantity,
	})

	if !res.Success {
		reason := res.Message
		if reason == "" {
			reason = "provider order failed"
		}

		compCtx, compCancel := context.WithTimeout(detached, 10*time.Second)
		defer compCancel()

		if err := s.repo.RefundOrder(compCtx, order.ID, userID, order.ChargeCents, reason, res.Raw); err != nil {
			s.logger.Error("refund after provider failure did not complete",
				zap.Int64("orderID", order.ID),
				zap.Int64("userID", userID),
				zap.Error(err))
			return nil, fmt.Errorf("refund order %d: %w", order.ID, err)
		}

		s.logger.Warn("provider rejected order, charge refunded",
			zap.Int64("orderID", order.ID),
			zap.Int64("userID", userID),
			zap.String("reason", reason))
		return nil, fmt.Errorf("%w: %s", ErrProviderFailed, reason)
	}

	advCtx, advCancel := context.WithTimeout(detached, 10*time.Second)
	defer advCancel()

	updated, err := s.repo.MarkOrderProcessing(advCtx, order.ID, res.ProviderOrderID, res.Raw)
	if err != nil {
		// Провайдер заказ принял, средства списаны корректно; падать с
		// компенсацией здесь нельзя. Заказ остаётся pending до ручного
		// разбора, ошибка уходит наверх.
		s.logger.Error("order accepted by provider but status update failed",
			zap.Int64("orderID", order.ID),
			zap.String("providerOrderID", res.ProviderOrderID),
			zap.Error(err))
		return nil, fmt.Errorf("mark order %d processing: %w", order.ID, err)
	}

	return &PlaceOrderResult{Order: updated, BalanceCents: newBalance}, nil
}

// GetOrdersByUser возвращает заказы пользователя с фильтром по статусу и поиском.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64, status, search string) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID, repository.OrderFilter{
		Status: status,
		Search: search,
	})
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	cents, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: model.FloatFromCents(cents)}, nil
}

// ListServices возвращает каталог доступных услуг.
func (s *Service) ListServices() []model.Service {
	return s.catalog.List()
}

// RegisterUser регистрирует нового пользователя с нулевым балансом.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, model.RoleUser)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(login, password)
	if !hmac.Equal(hashed, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

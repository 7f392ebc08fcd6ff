// Package model содержит доменные сущности SMM-панели.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя панели.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         string
	// BalanceCents хранит баланс кошелька в центах.
	BalanceCents int64
	CreatedAt    time.Time
}

// Роли пользователей.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Service описывает позицию каталога: неизменяемое описание покупаемой услуги.
type Service struct {
	ID                string          `json:"id"`
	Category          string          `json:"category"`
	Name              string          `json:"name"`
	RatePer1k         decimal.Decimal `json:"ratePer1k"`
	Min               int64           `json:"min"`
	Max               int64           `json:"max"`
	ProviderServiceID string          `json:"providerServiceId"`
}

// OrderStatus описывает статус выполнения заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusPartial    OrderStatus = "partial"
	OrderStatusFailed     OrderStatus = "failed"
)

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Order описывает одну попытку покупки услуги.
// Денежные поля (RatePer1kCents, ChargeCents) фиксируются при создании и
// после этого не изменяются; меняться могут только статусы, идентификатор
// заказа у провайдера и сведения об ошибке.
type Order struct {
	ID              int64
	UserID          int64
	Category        string
	ServiceID       string
	ServiceName     string
	Link            string
	Quantity        int64
	RatePer1kCents  int64
	ChargeCents     int64
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	ProviderOrderID *string
	FailureReason   *string
	// RawProviderResponse хранит непрозрачный ответ провайдера как есть.
	RawProviderResponse []byte
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Balance содержит текущий баланс кошелька пользователя.
type Balance struct {
	Current float64 `json:"current"`
}

// ComputeCharge вычисляет стоимость заказа: quantity * ratePer1k / 1000,
// округлённую до двух знаков. Округление — половина от нуля.
func ComputeCharge(quantity int64, ratePer1k decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(quantity).Mul(ratePer1k).Div(decimal.NewFromInt(1000)).Round(2)
}

// CentsFromDecimal переводит денежную сумму в центы для хранения в БД.
func CentsFromDecimal(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FloatFromCents переводит центы в значение для JSON-ответа.
func FloatFromCents(cents int64) float64 {
	return float64(cents) / 100
}

package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Mock — детерминированный шлюз для работы без сети: всегда отвечает
// успехом с синтетическим идентификатором заказа. Флаг Fail переводит
// шлюз в режим отказов для проверки компенсационной логики.
type Mock struct {
	Fail        bool
	FailMessage string
}

// NewMock создаёт шлюз-заглушку.
func NewMock() *Mock {
	return &Mock{}
}

// PlaceOrder возвращает синтетический успешный (или принудительно
// неуспешный) результат без обращения к сети.
func (m *Mock) PlaceOrder(_ context.Context, _ PlacementRequest) Result {
	if m.Fail {
		msg := m.FailMessage
		if msg == "" {
			msg = "provider rejected order"
		}
		return Result{
			Success: false,
			Message: msg,
			Raw:     []byte(`{"mode":"mock","message":"Provider call mocked"}`),
		}
	}

	return Result{
		Success:         true,
		ProviderOrderID: fmt.Sprintf("demo_%s", uuid.NewString()),
		Raw:             []byte(`{"mode":"mock","message":"Provider call mocked"}`),
	}
}

// Package provider инкапсулирует взаимодействие с внешним SMM-провайдером.
package provider

import "context"

// PlacementRequest содержит данные для размещения заказа у провайдера.
type PlacementRequest struct {
	ProviderServiceID string
	Link              string
	Quantity          int64
}

// Result описывает нормализованный исход обращения к провайдеру.
// Отказ провайдера, сетевые ошибки и нечитаемые ответы — это Result
// с Success=false, а не ошибка Go: повторять и компенсировать решает
// вызывающая сторона.
type Result struct {
	Success         bool
	ProviderOrderID string
	Message         string
	Raw             []byte
}

// Gateway размещает заказ у внешнего провайдера.
type Gateway interface {
	PlaceOrder(ctx context.Context, req PlacementRequest) Result
}

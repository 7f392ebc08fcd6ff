// Package catalog содержит статический каталог покупаемых услуг.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/avoronkov/smmpanel-system/internal/model"
)

// Catalog предоставляет поиск услуг по категории и идентификатору.
// Каталог неизменяем после создания.
type Catalog struct {
	services []model.Service
}

// New создаёт каталог из переданного набора услуг.
func New(services []model.Service) *Catalog {
	return &Catalog{services: services}
}

// Default возвращает каталог со встроенным набором услуг.
func Default() *Catalog {
	return New([]model.Service{
		{
			ID:                "1",
			Category:          "instagram",
			Name:              "Instagram Followers [HQ] - 1K/day",
			RatePer1k:         decimal.RequireFromString("0.5"),
			Min:               100,
			Max:               50000,
			ProviderServiceID: "1",
		},
		{
			ID:                "2",
			Category:          "instagram",
			Name:              "Instagram Likes [Real] - Instant",
			RatePer1k:         decimal.RequireFromString("0.3"),
			Min:               50,
			Max:               100000,
			ProviderServiceID: "2",
		},
		{
			ID:                "3",
			Category:          "instagram",
			Name:              "Instagram Views [Fast]",
			RatePer1k:         decimal.RequireFromString("0.1"),
			Min:               100,
			Max:               1000000,
			ProviderServiceID: "3",
		},
	})
}

type serviceFile struct {
	ID                string `json:"id"`
	Category          string `json:"category"`
	Name              string `json:"name"`
	RatePer1k         string `json:"ratePer1k"`
	Min               int64  `json:"min"`
	Max               int64  `json:"max"`
	ProviderServiceID string `json:"providerServiceId"`
}

// LoadFile читает каталог из JSON-файла. Ставки указываются строками,
// чтобы не терять точность денежных значений.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	var entries []serviceFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}

	services := make([]model.Service, 0, len(entries))
	for _, e := range entries {
		rate, err := decimal.NewFromString(e.RatePer1k)
		if err != nil {
			return nil, fmt.Errorf("parse rate for service %s: %w", e.ID, err)
		}
		if e.ID == "" || e.Category == "" || e.Name == "" {
			return nil, fmt.Errorf("incomplete service entry %q", e.ID)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate must be positive for service %s", e.ID)
		}
		if e.Min <= 0 || e.Max < e.Min {
			return nil, fmt.Errorf("invalid quantity bounds for service %s", e.ID)
		}
		services = append(services, model.Service{
			ID:                e.ID,
			Category:          strings.ToLower(e.Category),
			Name:              e.Name,
			RatePer1k:         rate,
			Min:               e.Min,
			Max:               e.Max,
			ProviderServiceID: e.ProviderServiceID,
		})
	}

	return New(services), nil
}

// Find ищет услугу по категории и идентификатору.
// Категория сравнивается без учёта регистра.
func (c *Catalog) Find(category, id string) (model.Service, bool) {
	category = strings.ToLower(strings.TrimSpace(category))
	for _, s := range c.services {
		if s.ID == id && strings.ToLower(s.Category) == category {
			return s, true
		}
	}
	return model.Service{}, false
}

// List возвращает все услуги каталога.
func (c *Catalog) List() []model.Service {
	out := make([]model.Service, len(c.services))
	copy(out, c.services)
	return out
}

package catalog

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

// ServiceDTO описывает услугу в ответе каталога. Цена в минимальных единицах валюты.
type ServiceDTO struct {
	ID             uuid.UUID `json:"id"`
	ProviderID     uuid.UUID `json:"provider_id"`
	CategoryID     uuid.UUID `json:"category_id"`
	Name           string    `json:"name"`
	Price          int64     `json:"price"`
	Currency       string    `json:"currency"`
	PerAttendee    bool      `json:"per_attendee"`
	DepositPercent int64     `json:"deposit_percent"`
}

// ProductDTO описывает товар в ответе каталога.
type ProductDTO struct {
	SKUID         uuid.UUID `json:"sku_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	Name          string    `json:"name"`
	Price         int64     `json:"price"`
	Currency      string    `json:"currency"`
	StockTracking bool      `json:"stock_tracking"`
}

func (d ServiceDTO) toModel() (*model.Service, error) {
	if !money.ValidCurrency(d.Currency) {
		return nil, fmt.Errorf("service %s: invalid currency %q", d.ID, d.Currency)
	}
	if d.Price < 0 || d.DepositPercent < 0 || d.DepositPercent > 100 {
		return nil, fmt.Errorf("service %s: invalid pricing", d.ID)
	}
	return &model.Service{
		ID:             d.ID,
		ProviderID:     d.ProviderID,
		CategoryID:     d.CategoryID,
		Name:           d.Name,
		Price:          money.New(d.Price, d.Currency),
		PerAttendee:    d.PerAttendee,
		DepositPercent: d.DepositPercent,
	}, nil
}

func (d ProductDTO) toModel() (*model.Product, error) {
	if !money.ValidCurrency(d.Currency) {
		return nil, fmt.Errorf("product %s: invalid currency %q", d.SKUID, d.Currency)
	}
	if d.Price < 0 {
		return nil, fmt.Errorf("product %s: negative price", d.SKUID)
	}
	return &model.Product{
		SKUID:         d.SKUID,
		ProviderID:    d.ProviderID,
		Name:          d.Name,
		Price:         money.New(d.Price, d.Currency),
		StockTracking: d.StockTracking,
	}, nil
}

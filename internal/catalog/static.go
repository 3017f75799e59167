package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
)

// Static хранит каталог в памяти. Используется в тестах и когда адрес внешнего каталога не задан.
type Static struct {
	mu       sync.RWMutex
	services map[uuid.UUID]model.Service
	products map[uuid.UUID]model.Product
}

// NewStatic создаёт пустой каталог.
func NewStatic() *Static {
	return &Static{
		services: make(map[uuid.UUID]model.Service),
		products: make(map[uuid.UUID]model.Product),
	}
}

type staticFile struct {
	Services []ServiceDTO `json:"services"`
	Products []ProductDTO `json:"products"`
}

// LoadStatic читает каталог из JSON-файла вида {"services": [...], "products": [...]}.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var file staticFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}

	s := NewStatic()
	for _, d := range file.Services {
		svc, err := d.toModel()
		if err != nil {
			return nil, err
		}
		s.AddService(*svc)
	}
	for _, d := range file.Products {
		p, err := d.toModel()
		if err != nil {
			return nil, err
		}
		s.AddProduct(*p)
	}
	return s, nil
}

// AddService добавляет или заменяет услугу.
func (s *Static) AddService(svc model.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc
}

// AddProduct добавляет или заменяет товар.
func (s *Static) AddProduct(p model.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.SKUID] = p
}

// GetService возвращает услугу.
func (s *Static) GetService(ctx context.Context, id uuid.UUID) (*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[id]
	if !ok {
		return nil, apperr.NotFound("service %s not found", id)
	}
	return &svc, nil
}

// GetProduct возвращает товар.
func (s *Static) GetProduct(ctx context.Context, skuID uuid.UUID) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[skuID]
	if !ok {
		return nil, apperr.NotFound("product %s not found", skuID)
	}
	return &p, nil
}

package services

import (
	"context"
	"errors"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/repositories"
)

// SystemServiceDeps wires the collaborators required by the system service.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
}

type systemService struct {
	health repositories.HealthRepository
}

// NewSystemService constructs a SystemService validating required dependencies.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	return &systemService{health: deps.Health}, nil
}

func (s *systemService) Health(ctx context.Context) (domain.SystemHealthReport, error) {
	return s.health.Collect(ctx)
}

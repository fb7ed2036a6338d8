package ports

import (
	"context"

	"downpour/internal/domain"
)

// ResultRepository persists finished download results.
type ResultRepository interface {
	Create(ctx context.Context, r domain.DownloadResult) error
	Get(ctx context.Context, id string) (domain.DownloadResult, error)
	List(ctx context.Context, limit int) ([]domain.DownloadResult, error)
}

// Package history resolves a taxpayer's prior filings for scoring.
package history

import (
	"context"
	"fmt"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultLimit is the number of prior filings considered when none is configured.
const DefaultLimit = 10

// Service looks up prior filings in the repository.
type Service struct {
	repo  domain.Repository
	limit int
}

// NewService creates a new history service.
func NewService(repo domain.Repository, limit int) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{
		repo:  repo,
		limit: limit,
	}
}

// Limit returns the maximum number of prior filings returned.
func (s *Service) Limit() int {
	return s.limit
}

// Lookup returns the taxpayer's most recent prior filings, oldest first.
// The filing itself is never part of its own history.
func (s *Service) Lookup(ctx context.Context, tenantID string, filing domain.Filing) (domain.History, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if filing.TaxpayerID == "" || s.repo == nil {
		return domain.History{}, nil
	}

	filings, err := s.repo.ListFilingsByTaxpayer(ctx, tenantID, filing.TaxpayerID, filing.FilingID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for taxpayer %s: %w", filing.TaxpayerID, err)
	}
	return domain.History(filings), nil
}

// Package sectors loads the versioned sector reference table.
package sectors

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ErrInvalidTable is returned when a sector table fails validation.
var ErrInvalidTable = errors.New("invalid sector table")

// Load returns the sector table at path, or the built-in table when path
// is empty.
func Load(path string) (domain.SectorTable, error) {
	if path == "" {
		return domain.DefaultSectorTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SectorTable{}, fmt.Errorf("failed to read sector table: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML sector table. Sector names are
// lower-cased and trimmed to match normalized filings.
func Parse(data []byte) (domain.SectorTable, error) {
	var raw domain.SectorTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.SectorTable{}, fmt.Errorf("failed to parse sector table: %w", err)
	}

	table := domain.SectorTable{
		Version:       strings.TrimSpace(raw.Version),
		Currency:      strings.TrimSpace(raw.Currency),
		DefaultSector: strings.ToLower(strings.TrimSpace(raw.DefaultSector)),
		Default:       raw.Default,
		Sectors:       make(map[string]domain.SectorProfile, len(raw.Sectors)),
	}
	for name, p := range raw.Sectors {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return domain.SectorTable{}, fmt.Errorf("%w: empty sector name", ErrInvalidTable)
		}
		if _, dup := table.Sectors[key]; dup {
			return domain.SectorTable{}, fmt.Errorf("%w: duplicate sector %q", ErrInvalidTable, key)
		}
		table.Sectors[key] = p
	}

	if err := Validate(table); err != nil {
		return domain.SectorTable{}, err
	}
	return table, nil
}

// Validate checks that every profile is usable by the extractor.
func Validate(t domain.SectorTable) error {
	if t.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidTable)
	}
	if t.DefaultSector == "" {
		return fmt.Errorf("%w: default_sector is required", ErrInvalidTable)
	}
	if err := validateProfile("default", t.Default); err != nil {
		return err
	}
	for name, p := range t.Sectors {
		if err := validateProfile(name, p); err != nil {
			return err
		}
	}
	return nil
}

func validateProfile(name string, p domain.SectorProfile) error {
	if math.IsNaN(p.AverageIncome) || math.IsInf(p.AverageIncome, 0) || p.AverageIncome <= 0 {
		return fmt.Errorf("%w: sector %s: average_income must be positive", ErrInvalidTable, name)
	}
	if math.IsNaN(p.DeductionRatio) || p.DeductionRatio < 0 || p.DeductionRatio > 1 {
		return fmt.Errorf("%w: sector %s: deduction_ratio must be within [0,1]", ErrInvalidTable, name)
	}
	return nil
}

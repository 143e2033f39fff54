package domain

// SectorProfile holds the reference figures for one business sector.
type SectorProfile struct {
	// AverageIncome is the typical annual income, used for the industry
	// deviation feature.
	AverageIncome float64 `json:"averageIncome" yaml:"average_income"`

	// DeductionRatio is the typical deductions/income ratio.
	DeductionRatio float64 `json:"deductionRatio" yaml:"deduction_ratio"`
}

// SectorTable is the versioned sector lookup table. It is read-only once
// built and is passed into the extractor and analyzer at construction.
type SectorTable struct {
	Version       string                   `json:"version" yaml:"version"`
	Currency      string                   `json:"currency" yaml:"currency"`
	DefaultSector string                   `json:"defaultSector" yaml:"default_sector"`
	Default       SectorProfile            `json:"default" yaml:"default"`
	Sectors       map[string]SectorProfile `json:"sectors" yaml:"sectors"`
}

// Known sector names.
const (
	SectorRetail        = "retail"
	SectorManufacturing = "manufacturing"
	SectorServices      = "services"
	SectorConstruction  = "construction"
	SectorAgriculture   = "agriculture"
)

// DefaultSectorTable returns the built-in five-sector table.
func DefaultSectorTable() SectorTable {
	return SectorTable{
		Version:       "builtin-2024.1",
		Currency:      "ZMW",
		DefaultSector: SectorServices,
		Default:       SectorProfile{AverageIncome: 50000, DeductionRatio: 0.42},
		Sectors: map[string]SectorProfile{
			SectorRetail:        {AverageIncome: 50000, DeductionRatio: 0.35},
			SectorManufacturing: {AverageIncome: 70000, DeductionRatio: 0.28},
			SectorServices:      {AverageIncome: 60000, DeductionRatio: 0.42},
			SectorConstruction:  {AverageIncome: 50000, DeductionRatio: 0.38},
			SectorAgriculture:   {AverageIncome: 50000, DeductionRatio: 0.32},
		},
	}
}

// Profile returns the profile for a sector, falling back to the default
// profile for unknown names.
func (t SectorTable) Profile(sector string) SectorProfile {
	if p, ok := t.Sectors[sector]; ok {
		return p
	}
	return t.Default
}

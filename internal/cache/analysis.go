package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// AnalysisKey derives the cache key for an ensemble result. Only inputs that
// influence the score take part: the normalized amounts, sector and period,
// the prior incomes, and the model and sector table versions. Filing and
// taxpayer IDs are excluded so identical filings share one entry.
func AnalysisKey(filing domain.Filing, history domain.History, modelVersion, sectorVersion string) string {
	var b strings.Builder
	b.WriteString(modelVersion)
	b.WriteByte('|')
	b.WriteString(sectorVersion)
	b.WriteByte('|')
	b.WriteString(filing.Income.String())
	b.WriteByte('|')
	b.WriteString(filing.Deductions.String())
	b.WriteByte('|')
	b.WriteString(filing.BusinessSector)
	b.WriteByte('|')
	b.WriteString(filing.TaxPeriod)
	for _, h := range history {
		b.WriteByte('|')
		b.WriteString(h.Income.String())
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "analysis:" + hex.EncodeToString(sum[:])
}

func encodeAnalysis(data *domain.CachedAnalysis) ([]byte, error) {
	return json.Marshal(data)
}

func decodeAnalysis(raw []byte) (*domain.CachedAnalysis, error) {
	if raw == nil {
		return nil, nil
	}
	var ca domain.CachedAnalysis
	if err := json.Unmarshal(raw, &ca); err != nil {
		return nil, err
	}
	return &ca, nil
}

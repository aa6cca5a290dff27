package services

import (
	"strings"

	"github.com/temcen/prodmatch/pkg/models"
)

var fallbackMarkers = []string{"fallback", substituteMarker}

// SummarizeMatches reduces a batch of mapping results, nil entries included.
func SummarizeMatches(matches []*models.ProductMatch, threshold float64) models.MatchingStatistics {
	stats := models.MatchingStatistics{TotalAttempts: len(matches)}

	for _, match := range matches {
		if match == nil {
			continue
		}
		stats.SuccessfulMatches++
		if match.Confidence >= threshold {
			stats.HighConfidenceMatches++
		}
		if isFallbackMatch(match) {
			stats.FallbackMatches++
		}
	}

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.SuccessfulMatches) / float64(stats.TotalAttempts)
	}
	return stats
}

func isFallbackMatch(match *models.ProductMatch) bool {
	for _, reason := range match.MatchReasons {
		lower := strings.ToLower(reason)
		for _, marker := range fallbackMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

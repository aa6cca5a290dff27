package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/temcen/prodmatch/pkg/models"
)

const (
	OutcomePrimary   = "primary"
	OutcomeFallback  = "fallback"
	OutcomeUnmatched = "unmatched"
)

// MappingMetrics records analysis quality and mapping outcomes.
type MappingMetrics struct {
	mappingAttempts prometheus.Counter
	mappingResults  *prometheus.CounterVec
	matchConfidence prometheus.Histogram
	responseQuality prometheus.Histogram
	responseIssues  *prometheus.CounterVec
}

// NewMappingMetrics registers the collectors with reg. A nil reg uses the default registerer.
func NewMappingMetrics(reg prometheus.Registerer) *MappingMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &MappingMetrics{
		mappingAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "prodmatch_mapping_attempts_total",
			Help: "Total number of candidate to product mapping attempts",
		}),
		mappingResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prodmatch_mapping_results_total",
			Help: "Mapping results by outcome",
		}, []string{"outcome"}),
		matchConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prodmatch_match_confidence",
			Help:    "Confidence of returned product matches",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		responseQuality: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prodmatch_response_quality_score",
			Help:    "Quality score of analyzed AI responses",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		responseIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prodmatch_response_issues_total",
			Help: "Issues found in AI responses by severity and code",
		}, []string{"severity", "code"}),
	}
}

func (m *MappingMetrics) RecordAnalysis(result *models.ResponseAnalysisResult) {
	if m == nil || result == nil {
		return
	}
	m.responseQuality.Observe(result.QualityScore)
	for _, issue := range result.Issues {
		m.responseIssues.WithLabelValues(string(issue.Severity), issue.Code).Inc()
	}
}

func (m *MappingMetrics) RecordMatch(match *models.ProductMatch) {
	if m == nil {
		return
	}
	m.mappingAttempts.Inc()

	switch {
	case match == nil:
		m.mappingResults.WithLabelValues(OutcomeUnmatched).Inc()
		return
	case isFallbackMatch(match):
		m.mappingResults.WithLabelValues(OutcomeFallback).Inc()
	default:
		m.mappingResults.WithLabelValues(OutcomePrimary).Inc()
	}
	m.matchConfidence.Observe(match.Confidence)
}

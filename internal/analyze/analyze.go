// Package analyze scores stored probe results: an overall endpoint health
// score plus the breakdown that produced it.
package analyze

import (
	"time"

	"github.com/modelprobe/modelprobe/internal/cache"
	"github.com/modelprobe/modelprobe/internal/failure"
)

// Component weights. Success rate dominates; speed and stability refine.
const (
	successWeight   = 0.5
	speedWeight     = 0.3
	stabilityWeight = 0.2
)

// Health is a 0-100 endpoint score with its component breakdown.
type Health struct {
	Score float64
	Grade string

	SuccessScore   float64
	SpeedScore     float64
	StabilityScore float64

	SuccessRate float64
	AvgLatency  time.Duration
	Total       int
	Succeeded   int
	Failed      int
}

// HealthOf scores a set of stored records. An empty set scores zero.
func HealthOf(records []cache.Record) Health {
	h := Health{Grade: grade(0)}
	if len(records) == 0 {
		return h
	}
	h.Total = len(records)

	var latSum time.Duration
	latCount := 0
	kinds := make(map[failure.Kind]int)
	for _, r := range records {
		if r.Success {
			h.Succeeded++
			if r.Latency > 0 {
				latSum += r.Latency
				latCount++
			}
		} else {
			h.Failed++
			kinds[r.ErrorKind]++
		}
	}

	h.SuccessRate = float64(h.Succeeded) / float64(h.Total)
	h.SuccessScore = h.SuccessRate * 100

	// Full marks under 2s average, 10 points off per extra second. No
	// successful latencies means no speed credit at all.
	if latCount > 0 {
		h.AvgLatency = latSum / time.Duration(latCount)
		h.SpeedScore = clampScore(100 - (h.AvgLatency.Seconds()-2)*10)
	}

	// One dominant error kind reads as a single fixable problem; a spread
	// of kinds reads as instability.
	if h.Failed == 0 {
		h.StabilityScore = 100
	} else {
		top := 0
		for _, n := range kinds {
			if n > top {
				top = n
			}
		}
		h.StabilityScore = float64(top) / float64(h.Failed) * 100
	}

	h.Score = h.SuccessScore*successWeight + h.SpeedScore*speedWeight + h.StabilityScore*stabilityWeight
	h.Grade = grade(h.Score)
	return h
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

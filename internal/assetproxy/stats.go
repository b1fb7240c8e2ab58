package assetproxy

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	outcomes [numOutcomes]atomic.Uint64
}

const numOutcomes = 6

var outcomeIndex = map[Outcome]int{
	OutcomeHit:         0,
	OutcomeMiss:        1,
	OutcomeNetwork:     2,
	OutcomeFallback:    3,
	OutcomeBypass:      4,
	OutcomeUnavailable: 5,
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Record counts one handled request. Body sizes are tracked for responses
// served through the cache policy only.
func (s *statsCollector) Record(o Outcome, respBytes int) {
	if i, ok := outcomeIndex[o]; ok {
		s.outcomes[i].Add(1)
	}
	switch o {
	case OutcomeHit, OutcomeMiss, OutcomeFallback:
		s.observe(respBytes)
	}
}

func (s *statsCollector) Count(o Outcome) uint64 {
	i, ok := outcomeIndex[o]
	if !ok {
		return 0
	}
	return s.outcomes[i].Load()
}

func (s *statsCollector) observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64            `json:"totalResponses"`
	TotalRespBytes uint64            `json:"totalRespBytes"`
	MinRespBytes   uint64            `json:"minRespBytes"`
	MaxRespBytes   uint64            `json:"maxRespBytes"`
	AvgRespBytes   uint64            `json:"avgRespBytes"`
	Outcomes       map[string]uint64 `json:"outcomes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{Outcomes: make(map[string]uint64, len(allOutcomes))}
	for _, o := range allOutcomes {
		out.Outcomes[string(o)] = s.Count(o)
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}

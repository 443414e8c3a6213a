package cluster

import "github.com/rentmap/mapcluster/pkg/core"

// Summary describes one clustering result.
type Summary struct {
	TotalPoints     int         `json:"totalPoints"`
	NumClusters     int         `json:"numClusters"`
	NumSinglePoints int         `json:"numSinglePoints"`
	LargestCluster  int         `json:"largestCluster"`
	Price           *PriceStats `json:"price,omitempty"`
}

// PriceStats aggregates the prices of members that carry one.
type PriceStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Sum     float64 `json:"sum"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// Summarize counts clusters, singletons and points, and aggregates prices.
func Summarize(clusters []core.Cluster) Summary {
	var s Summary
	for _, c := range clusters {
		if c.IsSingleton() {
			s.NumSinglePoints++
		} else {
			s.NumClusters++
		}
		s.TotalPoints += c.Count
		s.LargestCluster = max(s.LargestCluster, c.Count)

		for _, m := range c.Members {
			if m.Price == nil {
				continue
			}
			p := *m.Price
			if s.Price == nil {
				s.Price = &PriceStats{Min: p, Max: p}
			}
			s.Price.Min = min(s.Price.Min, p)
			s.Price.Max = max(s.Price.Max, p)
			s.Price.Sum += p
			s.Price.Count++
		}
	}
	if s.Price != nil {
		s.Price.Average = s.Price.Sum / float64(s.Price.Count)
	}
	return s
}

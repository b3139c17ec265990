package optimization

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"

	"github.com/EmmanuelMess/covins/solver"
)

// residualNorms evaluates the unweighted residual norm of each block at the current values.
func residualNorms(p *solver.Problem, ids []solver.ResidualBlockID) ([]float64, error) {
	norms := make([]float64, len(ids))
	for i, id := range ids {
		r, _, err := p.EvaluateResidualBlock(id, false)
		if err != nil {
			return nil, err
		}
		norms[i] = floats.Norm(r, 2)
	}
	return norms, nil
}

// summarizeNorms returns the median, 95th percentile and max of the norms.
func summarizeNorms(norms []float64) ResidualStats {
	rs := ResidualStats{Count: len(norms)}
	if len(norms) == 0 {
		return rs
	}
	data := stats.Float64Data(norms)
	if median, err := stats.Median(data); err == nil {
		rs.Median = median
	}
	if p95, err := stats.Percentile(data, 95); err == nil {
		rs.P95 = p95
	}
	if maxNorm, err := stats.Max(data); err == nil {
		rs.Max = maxNorm
	}
	return rs
}

// removeOutliers drops every block in ids whose residual norm exceeds threshold from the
// problem. It returns the indices into ids of the removed blocks.
func removeOutliers(p *solver.Problem, ids []solver.ResidualBlockID, threshold float64) ([]int, ResidualStats, error) {
	norms, err := residualNorms(p, ids)
	if err != nil {
		return nil, ResidualStats{}, err
	}
	var removed []int
	for i, norm := range norms {
		if norm > threshold || math.IsNaN(norm) {
			if err := p.RemoveResidualBlock(ids[i]); err != nil {
				return nil, ResidualStats{}, err
			}
			removed = append(removed, i)
		}
	}
	return removed, summarizeNorms(norms), nil
}

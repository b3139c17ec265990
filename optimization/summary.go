package optimization

import (
	"github.com/google/uuid"

	"github.com/EmmanuelMess/covins/solver"
)

// Procedure names an optimization entry point.
type Procedure string

// Procedures run by the Optimizer.
const (
	ProcedureGBA     = Procedure("gba")
	ProcedureLBA     = Procedure("lba")
	ProcedureRelPose = Procedure("relpose")
	ProcedurePGO     = Procedure("pgo")
	ProcedurePGO4DoF = Procedure("pgo4dof")
)

// ResidualStats describes the residual norms seen by an outlier classification.
type ResidualStats struct {
	Count  int
	Median float64
	P95    float64
	Max    float64
}

// Summary is the per call report of an optimization.
type Summary struct {
	// RunID correlates the log lines and sink reports of one call.
	RunID     string
	Procedure Procedure

	KeyframesIncluded   int
	KeyframesHeld       int
	LandmarksIncluded   int
	LandmarksExcluded   int
	ObservationsRemoved int
	Inliers             int
	LoopEdges           int
	SequentialEdges     int
	IMUEdges            int

	// OutlierResiduals is filled when an outlier pass ran.
	OutlierResiduals *ResidualStats
	// OutlierSolve is the summary of the outlier pass solve, if any.
	OutlierSolve *solver.Summary
	Solve        solver.Summary

	// Cleaned is what the map cleanup removed after writeback.
	Cleaned CleanCounts
}

// CleanCounts mirrors the counters of a map cleanup.
type CleanCounts struct {
	Keyframes    int
	Landmarks    int
	Observations int
}

func newSummary(procedure Procedure) Summary {
	return Summary{RunID: uuid.NewString(), Procedure: procedure}
}

// logFields renders the summary as zap key/value pairs.
func (s *Summary) logFields() []interface{} {
	fields := []interface{}{
		"keyframes", s.KeyframesIncluded,
		"held", s.KeyframesHeld,
		"included", s.LandmarksIncluded,
		"excluded", s.LandmarksExcluded,
		"removed", s.ObservationsRemoved,
		"loop_edges", s.LoopEdges,
		"sequential_edges", s.SequentialEdges,
		"iterations", s.Solve.Iterations,
		"initial_cost", s.Solve.InitialCost,
		"final_cost", s.Solve.FinalCost,
		"termination", s.Solve.Termination.String(),
		"wall_time", s.Solve.WallTime,
	}
	if s.Procedure == ProcedureRelPose {
		fields = append(fields, "inliers", s.Inliers)
	}
	if s.OutlierResiduals != nil {
		fields = append(fields,
			"residual_median", s.OutlierResiduals.Median,
			"residual_p95", s.OutlierResiduals.P95)
	}
	return fields
}

package solver

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/utils"
)

const numericStep = 1e-6

// linearization is one residual block evaluated at a point. jacobians[i] is the row-major
// tangent Jacobian of the i-th block, nil for blocks that are constant or were not requested.
type linearization struct {
	residual  []float64
	jacobians [][]float64
	cost      float64
}

func blockValues(pb *parameterBlock, useScratch bool) []float64 {
	if useScratch && !pb.constant {
		return pb.scratch
	}
	return pb.values
}

// firstNonFinite returns the index of the first NaN or infinite value, or -1.
func firstNonFinite(vals []float64) int {
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// evaluateResidualBlock fills out with the residual, optionally its Jacobians, and its cost.
// When withJacobians is set, Jacobians are produced for every non-constant block.
func evaluateResidualBlock(rb *residualBlock, useScratch, withJacobians, applyLoss bool, out *linearization) error {
	return evaluateResidualBlockFor(rb, useScratch, withJacobians, applyLoss, nil, out)
}

// evaluateResidualBlockFor is evaluateResidualBlock where want, if non-nil, selects which block
// positions get Jacobians regardless of their constant flag.
func evaluateResidualBlockFor(
	rb *residualBlock,
	useScratch, withJacobians, applyLoss bool,
	want []bool,
	out *linearization,
) error {
	nRes := rb.cost.NumResiduals()
	params := make([][]float64, len(rb.blocks))
	for i, pb := range rb.blocks {
		params[i] = blockValues(pb, useScratch)
	}
	if cap(out.residual) < nRes {
		out.residual = make([]float64, nRes)
	}
	out.residual = out.residual[:nRes]
	if err := rb.cost.Evaluate(params, out.residual); err != nil {
		return errors.Wrapf(err, "evaluating residual block %d", rb.id)
	}

	out.jacobians = out.jacobians[:0]
	if withJacobians {
		analytic, hasAnalytic := rb.cost.(factor.TangentJacobian)
		for i, pb := range rb.blocks {
			needed := !pb.constant
			if want != nil {
				needed = want[i]
			}
			if !needed {
				out.jacobians = append(out.jacobians, nil)
				continue
			}
			ts := pb.tangentSize()
			jac := make([]float64, nRes*ts)
			if !hasAnalytic || !analytic.TangentJacobian(params, i, jac) {
				if err := numericJacobian(rb, params, i, pb, nRes, jac); err != nil {
					return err
				}
			}
			out.jacobians = append(out.jacobians, jac)
		}
	}

	sq := 0.
	for _, r := range out.residual {
		sq += r * r
	}
	out.cost = 0.5 * sq
	if applyLoss && rb.loss != nil {
		rho, rho1, _ := rb.loss.Evaluate(sq)
		out.cost = 0.5 * rho
		scale := math.Sqrt(math.Max(rho1, 0))
		if scale != 1 {
			for j := range out.residual {
				out.residual[j] *= scale
			}
			for _, jac := range out.jacobians {
				for j := range jac {
					jac[j] *= scale
				}
			}
		}
	}
	return nil
}

// numericJacobian differentiates the residual of block i by central differences through the
// block's manifold. params is not modified.
func numericJacobian(rb *residualBlock, params [][]float64, i int, pb *parameterBlock, nRes int, jac []float64) error {
	base := params[i]
	ts := pb.tangentSize()
	scale := 1.
	for _, v := range base {
		scale = math.Max(scale, math.Abs(v))
	}
	h := numericStep * scale

	perturbed := make([]float64, len(base))
	delta := make([]float64, ts)
	plus := make([]float64, nRes)
	minus := make([]float64, nRes)
	local := make([][]float64, len(params))
	copy(local, params)
	local[i] = perturbed
	for d := 0; d < ts; d++ {
		delta[d] = h
		pb.manifold.Plus(base, delta, perturbed)
		if err := rb.cost.Evaluate(local, plus); err != nil {
			return errors.Wrapf(err, "differentiating residual block %d", rb.id)
		}
		delta[d] = -h
		pb.manifold.Plus(base, delta, perturbed)
		if err := rb.cost.Evaluate(local, minus); err != nil {
			return errors.Wrapf(err, "differentiating residual block %d", rb.id)
		}
		delta[d] = 0
		for r := 0; r < nRes; r++ {
			jac[r*ts+d] = (plus[r] - minus[r]) / (2 * h)
		}
	}
	return nil
}

// evaluateAll evaluates every residual block in parallel and returns the total cost.
func evaluateAll(
	ctx context.Context,
	rbs []*residualBlock,
	threads int,
	useScratch, withJacobians, applyLoss bool,
	out []linearization,
) (float64, error) {
	err := utils.GroupWorkParallel(ctx, threads, len(rbs), func(_, _, _, _ int) utils.MemberWorkFunc {
		return func(_, workNum int) error {
			return evaluateResidualBlock(rbs[workNum], useScratch, withJacobians, applyLoss, &out[workNum])
		}
	})
	if err != nil {
		return 0, err
	}
	total := 0.
	for i := range out {
		total += out[i].cost
	}
	return total, nil
}

// EvaluateOptions selects what Problem.Evaluate reports.
type EvaluateOptions struct {
	// ResidualBlocks restricts evaluation to these blocks. Nil means all, in insertion order.
	ResidualBlocks []ResidualBlockID
	// ParameterBlocks are the Jacobian columns, in tangent space and in this order. Nil means
	// all non-constant blocks in insertion order. Constant blocks listed here get zero columns.
	ParameterBlocks [][]float64
	ApplyLoss       bool
	NumThreads      int
}

// Evaluation is the result of Problem.Evaluate.
type Evaluation struct {
	Cost      float64
	Residuals []float64
	// Jacobian has one row per residual and one column per tangent coordinate of the
	// requested parameter blocks. Nil when no columns were requested.
	Jacobian *mat.Dense
}

// Evaluate computes the cost, stacked residuals and Jacobian at the current parameter values.
// Non-finite residuals or Jacobian entries are an error.
func (p *Problem) Evaluate(ctx context.Context, opts EvaluateOptions) (*Evaluation, error) {
	var rbs []*residualBlock
	if opts.ResidualBlocks == nil {
		rbs = p.orderedResiduals()
	} else {
		rbs = make([]*residualBlock, 0, len(opts.ResidualBlocks))
		for _, id := range opts.ResidualBlocks {
			rb, ok := p.residuals[id]
			if !ok {
				return nil, errors.Wrapf(ErrUnknownResidualBlock, "id %d", id)
			}
			rbs = append(rbs, rb)
		}
	}

	var cols []*parameterBlock
	if opts.ParameterBlocks == nil {
		for _, pb := range p.paramOrder {
			if !pb.constant {
				cols = append(cols, pb)
			}
		}
	} else {
		for _, values := range opts.ParameterBlocks {
			pb, err := p.lookup(values)
			if err != nil {
				return nil, err
			}
			cols = append(cols, pb)
		}
	}
	colOffset := map[*parameterBlock]int{}
	nCols := 0
	for _, pb := range cols {
		if _, dup := colOffset[pb]; dup {
			return nil, errors.New("parameter block requested twice")
		}
		colOffset[pb] = nCols
		nCols += pb.tangentSize()
	}

	lins := make([]linearization, len(rbs))
	rowOffset := make([]int, len(rbs))
	nRows := 0
	for i, rb := range rbs {
		rowOffset[i] = nRows
		nRows += rb.cost.NumResiduals()
	}

	err := utils.GroupWorkParallel(ctx, opts.NumThreads, len(rbs), func(_, _, _, _ int) utils.MemberWorkFunc {
		return func(_, workNum int) error {
			rb := rbs[workNum]
			want := make([]bool, len(rb.blocks))
			for i, pb := range rb.blocks {
				_, requested := colOffset[pb]
				want[i] = requested && !pb.constant
			}
			return evaluateResidualBlockFor(rb, false, nCols > 0, opts.ApplyLoss, want, &lins[workNum])
		}
	})
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{Residuals: make([]float64, 0, nRows)}
	for i := range lins {
		eval.Cost += lins[i].cost
		eval.Residuals = append(eval.Residuals, lins[i].residual...)
	}
	if i := firstNonFinite(eval.Residuals); i >= 0 {
		return nil, utils.NewNonFiniteError("residual", i, eval.Residuals[i])
	}
	if nCols == 0 || nRows == 0 {
		return eval, nil
	}
	eval.Jacobian = mat.NewDense(nRows, nCols, nil)
	for i, rb := range rbs {
		lin := &lins[i]
		nRes := rb.cost.NumResiduals()
		for k, jac := range lin.jacobians {
			if jac == nil {
				continue
			}
			pb := rb.blocks[k]
			ts := pb.tangentSize()
			col := colOffset[pb]
			for r := 0; r < nRes; r++ {
				for c := 0; c < ts; c++ {
					eval.Jacobian.Set(rowOffset[i]+r, col+c, jac[r*ts+c])
				}
			}
		}
	}
	if i := firstNonFinite(eval.Jacobian.RawMatrix().Data); i >= 0 {
		return nil, utils.NewNonFiniteError("jacobian", i, eval.Jacobian.RawMatrix().Data[i])
	}
	return eval, nil
}

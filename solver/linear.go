package solver

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/manifold"
)

const (
	minDiagonal = 1e-6
	maxDiagonal = 1e32
	pointSize   = 3
)

type coupling struct {
	reduced int
	// w is J_kᵀ·J_l, tangent(k) x 3.
	w *mat.Dense
}

// normalEquations is JᵀJ and Jᵀr split into a dense reduced part and independent 3-vector
// blocks that are eliminated through the Schur complement. Tangent vectors use the layout
// [reduced blocks | eliminated blocks].
type normalEquations struct {
	reduced    []*parameterBlock
	eliminated []*parameterBlock
	nr         int

	hrr *mat.Dense
	gr  []float64
	hll []*mat.Dense
	gl  [][]float64
	w   [][]coupling
}

func (ne *normalEquations) size() int {
	return ne.nr + pointSize*len(ne.eliminated)
}

// partition decides which variable blocks are eliminated. Candidates are Euclidean 3-vectors;
// they are taken greedily in insertion order so that no residual block touches two of them.
func partition(params []*parameterBlock, rbs []*residualBlock, schur bool) ([]*parameterBlock, []*parameterBlock) {
	for _, pb := range params {
		pb.refs = 0
		pb.reducedIdx = -1
		pb.elimIdx = -1
		pb.offset = -1
	}
	for _, rb := range rbs {
		for _, pb := range rb.blocks {
			pb.refs++
		}
	}
	elim := map[*parameterBlock]bool{}
	if schur {
		blocked := map[*parameterBlock]bool{}
		neighbors := map[*parameterBlock][]*residualBlock{}
		for _, rb := range rbs {
			for _, pb := range rb.blocks {
				neighbors[pb] = append(neighbors[pb], rb)
			}
		}
		for _, pb := range params {
			if pb.constant || pb.refs == 0 || blocked[pb] || !isPointBlock(pb) {
				continue
			}
			elim[pb] = true
			for _, rb := range neighbors[pb] {
				for _, other := range rb.blocks {
					if other != pb {
						blocked[other] = true
					}
				}
			}
		}
	}

	var reduced, eliminated []*parameterBlock
	offset := 0
	for _, pb := range params {
		if pb.constant || pb.refs == 0 {
			continue
		}
		if elim[pb] {
			pb.elimIdx = len(eliminated)
			eliminated = append(eliminated, pb)
			continue
		}
		pb.reducedIdx = len(reduced)
		pb.offset = offset
		offset += pb.tangentSize()
		reduced = append(reduced, pb)
	}
	return reduced, eliminated
}

func isPointBlock(pb *parameterBlock) bool {
	m, ok := pb.manifold.(manifold.Euclidean)
	return ok && int(m) == pointSize
}

// jtj returns aᵀ·b for row-major a (rows x ca) and b (rows x cb).
func jtj(a []float64, ca int, b []float64, cb int, rows int) *mat.Dense {
	out := mat.NewDense(ca, cb, nil)
	for r := 0; r < rows; r++ {
		ra := a[r*ca : (r+1)*ca]
		rb := b[r*cb : (r+1)*cb]
		for i, av := range ra {
			if av == 0 {
				continue
			}
			for j, bv := range rb {
				out.Set(i, j, out.At(i, j)+av*bv)
			}
		}
	}
	return out
}

func jtr(a []float64, ca int, res []float64, g []float64) {
	for r, rv := range res {
		row := a[r*ca : (r+1)*ca]
		for i, av := range row {
			g[i] += av * rv
		}
	}
}

func assemble(reduced, eliminated []*parameterBlock, rbs []*residualBlock, lins []linearization) *normalEquations {
	ne := &normalEquations{reduced: reduced, eliminated: eliminated}
	for _, pb := range reduced {
		ne.nr += pb.tangentSize()
	}
	if ne.nr > 0 {
		ne.hrr = mat.NewDense(ne.nr, ne.nr, nil)
	}
	ne.gr = make([]float64, ne.nr)
	ne.hll = make([]*mat.Dense, len(eliminated))
	ne.gl = make([][]float64, len(eliminated))
	for i := range eliminated {
		ne.hll[i] = mat.NewDense(pointSize, pointSize, nil)
		ne.gl[i] = make([]float64, pointSize)
	}
	wmaps := make([]map[int]*mat.Dense, len(eliminated))
	for i := range wmaps {
		wmaps[i] = map[int]*mat.Dense{}
	}

	for idx, rb := range rbs {
		lin := &lins[idx]
		nRes := len(lin.residual)
		for a, pa := range rb.blocks {
			ja := lin.jacobians[a]
			if ja == nil || (pa.reducedIdx < 0 && pa.elimIdx < 0) {
				continue
			}
			ta := pa.tangentSize()
			if pa.reducedIdx >= 0 {
				jtr(ja, ta, lin.residual, ne.gr[pa.offset:pa.offset+ta])
			} else {
				jtr(ja, ta, lin.residual, ne.gl[pa.elimIdx])
			}
			for b, pbb := range rb.blocks {
				jb := lin.jacobians[b]
				if b < a || jb == nil || (pbb.reducedIdx < 0 && pbb.elimIdx < 0) {
					continue
				}
				tb := pbb.tangentSize()
				block := jtj(ja, ta, jb, tb, nRes)
				switch {
				case pa.reducedIdx >= 0 && pbb.reducedIdx >= 0:
					addBlock(ne.hrr, pa.offset, pbb.offset, block)
					if a != b {
						addBlock(ne.hrr, pbb.offset, pa.offset, block.T())
					}
				case pa.elimIdx >= 0 && a == b:
					ne.hll[pa.elimIdx].Add(ne.hll[pa.elimIdx], block)
				case pa.reducedIdx >= 0 && pbb.elimIdx >= 0:
					accumulateCoupling(wmaps[pbb.elimIdx], pa.reducedIdx, block)
				case pa.elimIdx >= 0 && pbb.reducedIdx >= 0:
					var t mat.Dense
					t.CloneFrom(block.T())
					accumulateCoupling(wmaps[pa.elimIdx], pbb.reducedIdx, &t)
				}
			}
		}
	}

	ne.w = make([][]coupling, len(eliminated))
	for l, m := range wmaps {
		keys := make([]int, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			ne.w[l] = append(ne.w[l], coupling{reduced: k, w: m[k]})
		}
	}
	return ne
}

func accumulateCoupling(m map[int]*mat.Dense, k int, block *mat.Dense) {
	if cur, ok := m[k]; ok {
		cur.Add(cur, block)
		return
	}
	var c mat.Dense
	c.CloneFrom(block)
	m[k] = &c
}

func addBlock(dst *mat.Dense, r, c int, block mat.Matrix) {
	rows, cols := block.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(r+i, c+j, dst.At(r+i, c+j)+block.At(i, j))
		}
	}
}

// gradient returns Jᵀr in tangent layout.
func (ne *normalEquations) gradient() []float64 {
	g := make([]float64, 0, ne.size())
	g = append(g, ne.gr...)
	for _, gl := range ne.gl {
		g = append(g, gl...)
	}
	return g
}

// quadForm returns xᵀ·JᵀJ·x.
func (ne *normalEquations) quadForm(x []float64) float64 {
	total := 0.
	xr := x[:ne.nr]
	if ne.nr > 0 {
		v := mat.NewVecDense(ne.nr, xr)
		total += mat.Inner(v, ne.hrr, v)
	}
	for l := range ne.eliminated {
		xl := mat.NewVecDense(pointSize, x[ne.nr+pointSize*l:ne.nr+pointSize*(l+1)])
		total += mat.Inner(xl, ne.hll[l], xl)
		for _, c := range ne.w[l] {
			pb := ne.reduced[c.reduced]
			xk := mat.NewVecDense(pb.tangentSize(), xr[pb.offset:pb.offset+pb.tangentSize()])
			total += 2 * mat.Inner(xk, c.w, xl)
		}
	}
	return total
}

func clampDiag(v float64) float64 {
	return math.Min(math.Max(v, minDiagonal), maxDiagonal)
}

// solve returns δ with (JᵀJ + mu·D)·δ = -Jᵀr, where D is the clamped diagonal of JᵀJ.
func (ne *normalEquations) solve(mu float64) ([]float64, error) {
	nl := len(ne.eliminated)
	ainv := make([]*mat.Dense, nl)
	for l := 0; l < nl; l++ {
		a := mat.NewDense(pointSize, pointSize, nil)
		a.Copy(ne.hll[l])
		for i := 0; i < pointSize; i++ {
			a.Set(i, i, a.At(i, i)+mu*clampDiag(ne.hll[l].At(i, i)))
		}
		var inv mat.Dense
		if err := inv.Inverse(a); err != nil {
			if _, illConditioned := err.(mat.Condition); !illConditioned {
				return nil, ErrSingularSystem
			}
		}
		ainv[l] = &inv
	}

	dx := make([]float64, ne.size())
	if ne.nr > 0 {
		s := mat.NewSymDense(ne.nr, nil)
		for i := 0; i < ne.nr; i++ {
			for j := i; j < ne.nr; j++ {
				s.SetSym(i, j, 0.5*(ne.hrr.At(i, j)+ne.hrr.At(j, i)))
			}
			s.SetSym(i, i, s.At(i, i)+mu*clampDiag(ne.hrr.At(i, i)))
		}
		rhs := make([]float64, ne.nr)
		for i, g := range ne.gr {
			rhs[i] = -g
		}
		for l := 0; l < nl; l++ {
			gl := mat.NewVecDense(pointSize, ne.gl[l])
			for _, c1 := range ne.w[l] {
				pb1 := ne.reduced[c1.reduced]
				var v mat.Dense
				v.Mul(c1.w, ainv[l])
				var vg mat.VecDense
				vg.MulVec(&v, gl)
				for i := 0; i < pb1.tangentSize(); i++ {
					rhs[pb1.offset+i] += vg.AtVec(i)
				}
				for _, c2 := range ne.w[l] {
					pb2 := ne.reduced[c2.reduced]
					if pb2.offset < pb1.offset {
						continue
					}
					var vw mat.Dense
					vw.Mul(&v, c2.w.T())
					r, c := vw.Dims()
					for i := 0; i < r; i++ {
						for j := 0; j < c; j++ {
							row, col := pb1.offset+i, pb2.offset+j
							if row > col {
								if pb1 == pb2 {
									continue
								}
								row, col = col, row
							}
							s.SetSym(row, col, s.At(row, col)-vw.At(i, j))
						}
					}
				}
			}
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(s); !ok {
			return nil, ErrSingularSystem
		}
		var xr mat.VecDense
		if err := chol.SolveVecTo(&xr, mat.NewVecDense(ne.nr, rhs)); err != nil {
			return nil, ErrSingularSystem
		}
		for i := 0; i < ne.nr; i++ {
			dx[i] = xr.AtVec(i)
		}
	}

	for l := 0; l < nl; l++ {
		b := make([]float64, pointSize)
		for i := range b {
			b[i] = -ne.gl[l][i]
		}
		for _, c := range ne.w[l] {
			pb := ne.reduced[c.reduced]
			xk := mat.NewVecDense(pb.tangentSize(), dx[pb.offset:pb.offset+pb.tangentSize()])
			var wt mat.VecDense
			wt.MulVec(c.w.T(), xk)
			for i := range b {
				b[i] -= wt.AtVec(i)
			}
		}
		var xl mat.VecDense
		xl.MulVec(ainv[l], mat.NewVecDense(pointSize, b))
		for i := 0; i < pointSize; i++ {
			dx[ne.nr+pointSize*l+i] = xl.AtVec(i)
		}
	}
	for _, v := range dx {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrSingularSystem
		}
	}
	return dx, nil
}

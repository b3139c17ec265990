// Package solver implements a nonlinear least-squares solver over manifold-valued
// parameter blocks. It minimizes ½·Σ ρ(‖r_i‖²) with a trust region method and can eliminate
// point blocks through a Schur complement.
package solver

import (
	"github.com/pkg/errors"

	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/manifold"
	"github.com/EmmanuelMess/covins/utils"
)

var (
	// ErrUnknownParameterBlock is returned when a buffer was never added to the problem.
	ErrUnknownParameterBlock = errors.New("unknown parameter block")
	// ErrUnknownResidualBlock is returned when a residual block id is not part of the problem.
	ErrUnknownResidualBlock = errors.New("unknown residual block")
	// ErrSingularSystem is returned when the linearized system cannot be factorized.
	ErrSingularSystem = errors.New("linear system is singular")
)

// ResidualBlockID identifies a residual block within its problem.
type ResidualBlockID int

type parameterBlock struct {
	values   []float64
	scratch  []float64
	manifold manifold.Manifold
	constant bool
	order    int

	// set per solve
	refs       int
	reducedIdx int
	offset     int
	elimIdx    int
}

func (pb *parameterBlock) tangentSize() int {
	return pb.manifold.TangentSize()
}

type residualBlock struct {
	id     ResidualBlockID
	cost   factor.CostFunction
	loss   factor.Loss
	blocks []*parameterBlock
}

// Problem holds parameter blocks and the residual blocks that constrain them. Parameter blocks
// are identified by the address of their first element, so distinct sub-slices of one buffer
// are distinct blocks. The problem never copies user buffers: optimized values are written
// back in place.
type Problem struct {
	params     map[*float64]*parameterBlock
	paramOrder []*parameterBlock
	residuals  map[ResidualBlockID]*residualBlock
	nextID     ResidualBlockID
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{
		params:    map[*float64]*parameterBlock{},
		residuals: map[ResidualBlockID]*residualBlock{},
	}
}

func blockKey(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	return &values[0]
}

// AddParameterBlock registers values with the given manifold. A nil manifold means Euclidean.
// Adding an existing block again replaces its manifold.
func (p *Problem) AddParameterBlock(values []float64, m manifold.Manifold) error {
	if len(values) == 0 {
		return errors.New("cannot add an empty parameter block")
	}
	if m == nil {
		m = manifold.Euclidean(len(values))
	}
	if m.AmbientSize() != len(values) {
		return errors.Errorf("manifold expects %d values but block has %d", m.AmbientSize(), len(values))
	}
	key := blockKey(values)
	if pb, ok := p.params[key]; ok {
		if len(pb.values) != len(values) {
			return errors.Errorf("parameter block re-added with size %d, was %d", len(values), len(pb.values))
		}
		pb.manifold = m
		return nil
	}
	pb := &parameterBlock{
		values:   values,
		scratch:  make([]float64, len(values)),
		manifold: m,
		order:    len(p.paramOrder),
	}
	p.params[key] = pb
	p.paramOrder = append(p.paramOrder, pb)
	return nil
}

func (p *Problem) lookup(values []float64) (*parameterBlock, error) {
	pb, ok := p.params[blockKey(values)]
	if !ok || len(pb.values) != len(values) {
		return nil, ErrUnknownParameterBlock
	}
	return pb, nil
}

// HasParameterBlock reports whether values was added to the problem.
func (p *Problem) HasParameterBlock(values []float64) bool {
	_, err := p.lookup(values)
	return err == nil
}

// SetParameterBlockConstant holds values fixed during Solve.
func (p *Problem) SetParameterBlockConstant(values []float64) error {
	pb, err := p.lookup(values)
	if err != nil {
		return err
	}
	pb.constant = true
	return nil
}

// SetParameterBlockVariable lets Solve change values again.
func (p *Problem) SetParameterBlockVariable(values []float64) error {
	pb, err := p.lookup(values)
	if err != nil {
		return err
	}
	pb.constant = false
	return nil
}

// IsParameterBlockConstant reports whether values is held fixed. Unknown blocks report false.
func (p *Problem) IsParameterBlockConstant(values []float64) bool {
	pb, err := p.lookup(values)
	if err != nil {
		return false
	}
	return pb.constant
}

// NumParameterBlocks returns the number of registered parameter blocks.
func (p *Problem) NumParameterBlocks() int {
	return len(p.paramOrder)
}

// AddResidualBlock adds a residual term over the given blocks. Blocks not yet registered are
// added as Euclidean blocks. The loss may be nil.
func (p *Problem) AddResidualBlock(cost factor.CostFunction, loss factor.Loss, blocks ...[]float64) (ResidualBlockID, error) {
	sizes := cost.ParameterBlockSizes()
	if len(sizes) != len(blocks) {
		return 0, errors.Wrapf(factor.ErrParameterCount, "cost function expects %d blocks but got %d", len(sizes), len(blocks))
	}
	rb := &residualBlock{cost: cost, loss: loss, blocks: make([]*parameterBlock, len(blocks))}
	seen := map[*parameterBlock]bool{}
	for i, values := range blocks {
		if len(values) != sizes[i] {
			return 0, errors.Wrapf(utils.NewBufferSizeError("parameter block", sizes[i], len(values)), "block %d", i)
		}
		if !p.HasParameterBlock(values) {
			if err := p.AddParameterBlock(values, nil); err != nil {
				return 0, err
			}
		}
		pb, err := p.lookup(values)
		if err != nil {
			return 0, err
		}
		if seen[pb] {
			return 0, errors.Errorf("parameter block %d appears twice in one residual block", i)
		}
		seen[pb] = true
		rb.blocks[i] = pb
	}
	rb.id = p.nextID
	p.nextID++
	p.residuals[rb.id] = rb
	return rb.id, nil
}

// RemoveResidualBlock drops a residual block. Its parameter blocks stay registered.
func (p *Problem) RemoveResidualBlock(id ResidualBlockID) error {
	if _, ok := p.residuals[id]; !ok {
		return errors.Wrapf(ErrUnknownResidualBlock, "id %d", id)
	}
	delete(p.residuals, id)
	return nil
}

// NumResidualBlocks returns the number of residual blocks currently in the problem.
func (p *Problem) NumResidualBlocks() int {
	return len(p.residuals)
}

// ResidualBlocks returns the ids of all residual blocks in insertion order.
func (p *Problem) ResidualBlocks() []ResidualBlockID {
	ids := make([]ResidualBlockID, 0, len(p.residuals))
	for id := ResidualBlockID(0); id < p.nextID; id++ {
		if _, ok := p.residuals[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Problem) orderedResiduals() []*residualBlock {
	ids := p.ResidualBlocks()
	out := make([]*residualBlock, len(ids))
	for i, id := range ids {
		out[i] = p.residuals[id]
	}
	return out
}

// EvaluateResidualBlock evaluates one residual block at the current parameter values. It
// returns the residual vector and the cost ½ρ(‖r‖²), with ρ the identity when applyLoss is
// false.
func (p *Problem) EvaluateResidualBlock(id ResidualBlockID, applyLoss bool) ([]float64, float64, error) {
	rb, ok := p.residuals[id]
	if !ok {
		return nil, 0, errors.Wrapf(ErrUnknownResidualBlock, "id %d", id)
	}
	var lin linearization
	if err := evaluateResidualBlock(rb, false, false, applyLoss, &lin); err != nil {
		return nil, 0, err
	}
	return lin.residual, lin.cost, nil
}

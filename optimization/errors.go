package optimization

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/EmmanuelMess/covins/slam"
)

// StructuralErrorKind names the map invariant that was found broken.
type StructuralErrorKind int

const (
	// MissingPredecessor is a non-root keyframe without a temporal predecessor.
	MissingPredecessor StructuralErrorKind = iota
	// InvalidPredecessor is a keyframe whose predecessor is marked invalid.
	InvalidPredecessor
	// MissingParameterBlock is a factor endpoint that was never added to the problem.
	MissingParameterBlock
	// MissingKeyframe is a keyframe id that does not resolve, or a keyframe used twice.
	MissingKeyframe
)

func (k StructuralErrorKind) String() string {
	switch k {
	case MissingPredecessor:
		return "missing predecessor"
	case InvalidPredecessor:
		return "invalid predecessor"
	case MissingParameterBlock:
		return "missing parameter block"
	case MissingKeyframe:
		return "missing keyframe"
	default:
		return fmt.Sprintf("structural error(%d)", int(k))
	}
}

// StructuralError reports a corrupted map. The call that returns it leaves the map untouched
// unless noted otherwise by the procedure.
type StructuralError struct {
	Kind     StructuralErrorKind
	Keyframe slam.KeyframeID
	Detail   string
}

func (e *StructuralError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("keyframe %s: %s", e.Keyframe, e.Kind)
	}
	return fmt.Sprintf("keyframe %s: %s: %s", e.Keyframe, e.Kind, e.Detail)
}

func newStructuralError(kind StructuralErrorKind, kf slam.KeyframeID, format string, args ...interface{}) error {
	return &StructuralError{Kind: kind, Keyframe: kf, Detail: fmt.Sprintf(format, args...)}
}

// IsStructuralError reports whether err wraps a *StructuralError of the given kind.
func IsStructuralError(err error, kind StructuralErrorKind) bool {
	var serr *StructuralError
	return errors.As(err, &serr) && serr.Kind == kind
}

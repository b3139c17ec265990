package camera

import "fmt"

// UnknownProjectionError is returned when a camera names a projection family this package
// cannot build.
type UnknownProjectionError struct {
	Type ProjectionType
}

func (e *UnknownProjectionError) Error() string {
	return fmt.Sprintf("do not know how to build %q camera projection", string(e.Type))
}

// UnknownDistortionError is returned when a camera names a distortion family this package
// cannot build.
type UnknownDistortionError struct {
	Type DistortionType
}

func (e *UnknownDistortionError) Error() string {
	return fmt.Sprintf("do not know how to parse %q distortion model", string(e.Type))
}

package ddp

import (
	"errors"
	"fmt"
)

var (
	// ErrBackwardPassFailed indicates positive-definiteness repair of the
	// control Hessian was exhausted at some node.
	ErrBackwardPassFailed = errors.New("ddp: backward pass failed")

	// ErrMaxRejections indicates the strategy rejected the configured
	// maximum number of successive steps.
	ErrMaxRejections = errors.New("ddp: maximum successive step rejections reached")
)

func backwardPassFailed(node int) error {
	return fmt.Errorf("%w: control Hessian not repairable at node %d", ErrBackwardPassFailed, node)
}

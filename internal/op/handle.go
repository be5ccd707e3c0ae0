package op

import (
	"fmt"

	"github.com/google/uuid"
)

// Handle is a borrowed reference to a device buffer: identity plus shape,
// strides, and element type. Handles are created by the front-end (or the
// execution context on its behalf) and are never owned by this subsystem.
type Handle struct {
	ID      uuid.UUID
	Shape   Shape
	Strides []int
	DType   DataType
}

// NewHandle creates a handle for a contiguous tensor of the given shape.
func NewHandle(shape Shape, dtype DataType) Handle {
	return Handle{
		ID:      uuid.New(),
		Shape:   shape.Clone(),
		Strides: shape.ComputeStrides(),
		DType:   dtype,
	}
}

// Nil reports whether the handle is the zero handle.
func (h Handle) Nil() bool {
	return h.ID == uuid.Nil
}

// ByteSize returns the size of the referenced buffer in bytes.
func (h Handle) ByteSize() int {
	return h.Shape.NumElements() * h.DType.Size()
}

// Same reports whether two handles reference the same device buffer.
func (h Handle) Same(other Handle) bool {
	return h.ID == other.ID
}

// String formats the handle for error context.
func (h Handle) String() string {
	return fmt.Sprintf("%s%v#%s", h.DType, h.Shape, h.ID.String()[:8])
}

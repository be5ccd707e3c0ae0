package codegen

import "fmt"

// LaunchConfig holds the launch parameters of one kernel variant.
type LaunchConfig struct {
	// WorkgroupSize is the number of invocations per workgroup.
	WorkgroupSize int
	// ElemsPerLane is how many elements each invocation processes.
	ElemsPerLane int
}

// Workgroups returns the workgroup count needed to cover n elements.
func (c LaunchConfig) Workgroups(n int) int {
	per := c.WorkgroupSize * c.ElemsPerLane
	return (n + per - 1) / per
}

// String returns the variant suffix used in kernel names.
func (c LaunchConfig) String() string {
	return fmt.Sprintf("wg%d_x%d", c.WorkgroupSize, c.ElemsPerLane)
}

// pointwiseVariants are the candidate launch configurations for pointwise
// kernels, benchmarked by the autotune engine. Order is fixed: candidate
// indices are persisted in the autotune cache.
var pointwiseVariants = []LaunchConfig{
	{WorkgroupSize: 256, ElemsPerLane: 1},
	{WorkgroupSize: 256, ElemsPerLane: 4},
	{WorkgroupSize: 128, ElemsPerLane: 1},
	{WorkgroupSize: 64, ElemsPerLane: 4},
}

// reduceVariants are the candidate launch configurations for kernels with
// a terminal reduction.
var reduceVariants = []LaunchConfig{
	{WorkgroupSize: 256, ElemsPerLane: 1},
	{WorkgroupSize: 256, ElemsPerLane: 4},
	{WorkgroupSize: 128, ElemsPerLane: 4},
	{WorkgroupSize: 64, ElemsPerLane: 1},
}

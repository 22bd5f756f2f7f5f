package launch

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/kernel"
)

// Grid specifies the execution grid either literally or as a pure function
// of the problem size. Both forms are first-class: a fixed Dims launches
// as-is, ForProblem is evaluated once per call, and a bare Problem size
// ceil-divides over the block's X extent.
type Grid struct {
	Dims       kernel.Dims
	Problem    int
	ForProblem func(problem, blockX int) kernel.Dims
}

// GridDims builds a literal grid.
func GridDims(x, y, z int) Grid { return Grid{Dims: kernel.Dims{X: x, Y: y, Z: z}} }

// GridFor builds a grid derived from a problem size by ceil division.
func GridFor(problem int) Grid { return Grid{Problem: problem} }

// Evaluate resolves the grid for a block shape. Evaluated exactly once per
// call by the launcher.
func (g Grid) Evaluate(block kernel.Dims) (kernel.Dims, error) {
	switch {
	case g.ForProblem != nil:
		return g.ForProblem(g.Problem, block.X), nil
	case !g.Dims.IsZero():
		return g.Dims, nil
	case g.Problem > 0:
		return kernel.Dims{X: kernel.CeilDiv(g.Problem, block.X), Y: 1, Z: 1}, nil
	}
	return kernel.Dims{}, fmt.Errorf("grid specifies neither dimensions nor a problem size")
}

package launch

import (
	"testing"

	"github.com/samcharles93/kiln/internal/kernel"
)

func TestGridEvaluate(t *testing.T) {
	block := kernel.Dims{X: 128, Y: 1, Z: 1}

	tests := []struct {
		name string
		grid Grid
		want kernel.Dims
	}{
		{"literal", GridDims(4, 2, 3), kernel.Dims{X: 4, Y: 2, Z: 3}},
		{"problem exact", GridFor(1024), kernel.Dims{X: 8, Y: 1, Z: 1}},
		{"problem rounds up", GridFor(1000), kernel.Dims{X: 8, Y: 1, Z: 1}},
		{"problem smaller than block", GridFor(1), kernel.Dims{X: 1, Y: 1, Z: 1}},
		{
			"callback",
			Grid{Problem: 512, ForProblem: func(problem, blockX int) kernel.Dims {
				return kernel.Dims{X: kernel.CeilDiv(problem, blockX), Y: 2, Z: 1}
			}},
			kernel.Dims{X: 4, Y: 2, Z: 1},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.grid.Evaluate(block)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestGridEvaluateEmpty(t *testing.T) {
	var g Grid
	if _, err := g.Evaluate(kernel.Dims{X: 128}); err == nil {
		t.Fatal("expected error for a grid with no specification")
	}
}

package detection

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"boxforge/internal/model"
)

// Grid describes an S x S cell layout where every cell predicts C class
// scores followed by B boxes of (confidence, x, y, w, h). Box centers are
// relative to their cell and sizes are in cell units.
type Grid struct {
	S int
	B int
	C int
}

// Object is a ground-truth annotation in image-relative midpoint format.
type Object struct {
	Class int     `json:"class"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
}

// Validate checks the grid dimensions.
func (g Grid) Validate() error {
	if g.S <= 0 || g.B <= 0 || g.C <= 0 {
		return errors.Errorf("grid: invalid dimensions S=%d B=%d C=%d", g.S, g.B, g.C)
	}
	return nil
}

// CellSize is the number of values one cell occupies.
func (g Grid) CellSize() int { return g.C + 5*g.B }

// Size is the length of one encoded sample.
func (g Grid) Size() int { return g.S * g.S * g.CellSize() }

// Encode builds a label row for one sample. When two objects land in the
// same cell the first one wins.
func (g Grid) Encode(objects []Object) ([]float64, error) {
	row := make([]float64, g.Size())
	for _, obj := range objects {
		if obj.Class < 0 || obj.Class >= g.C {
			return nil, errors.Errorf("grid: class %d outside [0, %d)", obj.Class, g.C)
		}
		fs := float64(g.S)
		i := clampCell(int(fs*obj.Y), g.S)
		j := clampCell(int(fs*obj.X), g.S)
		cell := row[(i*g.S+j)*g.CellSize() : (i*g.S+j+1)*g.CellSize()]
		if cell[g.C] != 0 {
			continue
		}
		cell[g.C] = 1
		cell[g.C+1] = fs*obj.X - float64(j)
		cell[g.C+2] = fs*obj.Y - float64(i)
		cell[g.C+3] = obj.W * fs
		cell[g.C+4] = obj.H * fs
		cell[obj.Class] = 1
	}
	return row, nil
}

// Decode converts a [N, S*S*(C+5B)] tensor into N lists of S*S boxes,
// one per cell, holding the cell's most confident box.
func (g Grid) Decode(t *tensor.Dense) ([][]Box, error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != g.Size() {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "grid: want [N, %d], got %v", g.Size(), shape)
	}
	data, err := model.Float64s(t)
	if err != nil {
		return nil, err
	}
	n := shape[0]
	fs := float64(g.S)
	out := make([][]Box, n)
	for s := 0; s < n; s++ {
		sample := data[s*g.Size() : (s+1)*g.Size()]
		boxes := make([]Box, 0, g.S*g.S)
		for i := 0; i < g.S; i++ {
			for j := 0; j < g.S; j++ {
				cell := sample[(i*g.S+j)*g.CellSize() : (i*g.S+j+1)*g.CellSize()]
				best := 0
				for b := 1; b < g.B; b++ {
					if cell[g.C+5*b] > cell[g.C+5*best] {
						best = b
					}
				}
				off := g.C + 5*best
				boxes = append(boxes, Box{
					Class: argmax(cell[:g.C]),
					Score: cell[off],
					X:     (cell[off+1] + float64(j)) / fs,
					Y:     (cell[off+2] + float64(i)) / fs,
					W:     cell[off+3] / fs,
					H:     cell[off+4] / fs,
				})
			}
		}
		out[s] = boxes
	}
	return out, nil
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func clampCell(v, s int) int {
	if v < 0 {
		return 0
	}
	if v >= s {
		return s - 1
	}
	return v
}

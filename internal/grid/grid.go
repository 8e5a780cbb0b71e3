package grid

import (
	"fmt"
)

// Symbol identifies a tile on the board. Zero is reserved for an empty cell
// and never appears in a grid submitted for validation.
type Symbol int

// None marks a cell with no symbol. It only exists transiently while the
// cascade resolver is dropping and refilling columns.
const None Symbol = 0

// Position addresses a single cell, column first.
type Position struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Grid is the rectangular board state at an instant. Cells are addressed
// column-major; row 0 is the top of a column.
type Grid struct {
	Cols  int        `json:"cols"`
	Rows  int        `json:"rows"`
	Cells [][]Symbol `json:"cells"`
}

// New allocates an empty grid with the given dimensions.
func New(cols, rows int) Grid {
	cells := make([][]Symbol, cols)
	for c := range cells {
		cells[c] = make([]Symbol, rows)
	}
	return Grid{Cols: cols, Rows: rows, Cells: cells}
}

// At returns the symbol at the given cell.
func (g Grid) At(col, row int) Symbol {
	return g.Cells[col][row]
}

// Set writes the symbol at the given cell.
func (g *Grid) Set(col, row int, sym Symbol) {
	g.Cells[col][row] = sym
}

// InBounds reports whether the position addresses a real cell.
func (g Grid) InBounds(p Position) bool {
	return p.Col >= 0 && p.Col < g.Cols && p.Row >= 0 && p.Row < g.Rows
}

// Clone copies the grid including its backing cell storage.
func (g Grid) Clone() Grid {
	out := Grid{Cols: g.Cols, Rows: g.Rows, Cells: make([][]Symbol, len(g.Cells))}
	for c, column := range g.Cells {
		out.Cells[c] = append([]Symbol(nil), column...)
	}
	return out
}

// Equal reports whether two grids have identical dimensions and cells.
func (g Grid) Equal(other Grid) bool {
	if g.Cols != other.Cols || g.Rows != other.Rows || len(g.Cells) != len(other.Cells) {
		return false
	}
	for c := range g.Cells {
		if len(g.Cells[c]) != len(other.Cells[c]) {
			return false
		}
		for r := range g.Cells[c] {
			if g.Cells[c][r] != other.Cells[c][r] {
				return false
			}
		}
	}
	return true
}

// CheckShape verifies the cell storage matches the declared dimensions and
// that every cell is populated. Grids crossing the validation boundary must
// pass this before anything else looks at them.
func (g Grid) CheckShape() error {
	if g.Cols <= 0 || g.Rows <= 0 {
		return fmt.Errorf("grid dimensions %dx%d are not positive", g.Cols, g.Rows)
	}
	if len(g.Cells) != g.Cols {
		return fmt.Errorf("grid declares %d columns but carries %d", g.Cols, len(g.Cells))
	}
	for c, column := range g.Cells {
		if len(column) != g.Rows {
			return fmt.Errorf("column %d declares %d rows but carries %d", c, g.Rows, len(column))
		}
		for r, sym := range column {
			if sym == None {
				return fmt.Errorf("cell (%d,%d) is empty", c, r)
			}
			if sym < 0 {
				return fmt.Errorf("cell (%d,%d) holds invalid symbol %d", c, r, sym)
			}
		}
	}
	return nil
}

// SymbolCounts tallies how often each symbol appears.
func (g Grid) SymbolCounts() map[Symbol]int {
	counts := make(map[Symbol]int)
	for _, column := range g.Cells {
		for _, sym := range column {
			if sym != None {
				counts[sym]++
			}
		}
	}
	return counts
}

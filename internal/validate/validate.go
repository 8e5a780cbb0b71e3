// Package validate checks cascade steps for internal consistency before any
// hash is compared. A step that fails here is malformed regardless of what
// the client hashed.
package validate

import (
	"fmt"

	"gemfall/server/internal/grid"
)

// Reason codes returned on failed validation. The first failing check wins;
// there is no partial validity.
const (
	ReasonGridDimensions      = "grid_dimensions"
	ReasonGridMalformed       = "grid_malformed"
	ReasonClusterEmpty        = "cluster_empty"
	ReasonClusterTooSmall     = "cluster_too_small"
	ReasonClusterOutOfBounds  = "cluster_out_of_bounds"
	ReasonClusterSymbol       = "cluster_symbol_mismatch"
	ReasonClusterDisconnected = "cluster_disconnected"
	ReasonClusterOverlap      = "cluster_overlap"
	ReasonDropColumn          = "drop_column_unaffected"
	ReasonDropMismatch        = "drop_pattern_mismatch"
	ReasonRefillMismatch      = "refill_mismatch"
	ReasonAfterUnreachable    = "after_grid_unreachable"
	ReasonStepGap             = "step_index_gap"
	ReasonChainBroken         = "grid_chain_broken"
	ReasonPayoutMismatch      = "payout_mismatch"
	ReasonStepMismatch        = "step_mismatch"
)

// Config fixes the board geometry and cluster rules the validator enforces.
type Config struct {
	Cols           int
	Rows           int
	MinClusterSize int

	// AllowCompensatedPayouts accepts steps whose per-cluster payouts differ
	// from the authoritative ones as long as the step totals agree. Off by
	// default: totals that happen to match can still hide a manipulated
	// cluster split.
	AllowCompensatedPayouts bool
}

// Result is the outcome of one structural check.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func ok() Result { return Result{Valid: true} }

func fail(reason, format string, args ...any) Result {
	return Result{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validator checks grids and steps against a fixed game configuration.
type Validator struct {
	cfg Config
}

// New constructs a validator for the given configuration.
func New(cfg Config) *Validator {
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 3
	}
	return &Validator{cfg: cfg}
}

// Grid checks a standalone board state.
func (v *Validator) Grid(g grid.Grid) Result {
	if g.Cols != v.cfg.Cols || g.Rows != v.cfg.Rows {
		return fail(ReasonGridDimensions, "got %dx%d want %dx%d", g.Cols, g.Rows, v.cfg.Cols, v.cfg.Rows)
	}
	if err := g.CheckShape(); err != nil {
		return fail(ReasonGridMalformed, "%v", err)
	}
	return ok()
}

// Step checks a single cascade step: dimensions, cluster legality, and that
// the after grid is reachable from the before grid by removing exactly the
// matched positions and applying the declared drops under gravity.
func (v *Validator) Step(s grid.Step) Result {
	if r := v.Grid(s.Before); !r.Valid {
		return r
	}
	if r := v.Grid(s.After); !r.Valid {
		return r
	}
	removed, r := v.checkClusters(s)
	if !r.Valid {
		return r
	}
	return v.checkPhysics(s, removed)
}

// Sequence checks each step and the chain rule between adjacent steps.
// The per-step results are returned alongside the overall verdict.
func (v *Validator) Sequence(steps []grid.Step) ([]Result, Result) {
	results := make([]Result, len(steps))
	overall := ok()
	for i, s := range steps {
		results[i] = v.Step(s)
		if !results[i].Valid && overall.Valid {
			overall = results[i]
		}
		if i > 0 {
			if steps[i].Index != steps[i-1].Index+1 {
				r := fail(ReasonStepGap, "step %d follows step %d", steps[i].Index, steps[i-1].Index)
				results[i] = r
				if overall.Valid {
					overall = r
				}
			} else if !steps[i-1].After.Equal(steps[i].Before) {
				r := fail(ReasonChainBroken, "gridAfter of step %d differs from gridBefore of step %d", steps[i-1].Index, steps[i].Index)
				results[i] = r
				if overall.Valid {
					overall = r
				}
			}
		}
	}
	return results, overall
}

// Matches compares a client-declared step against the authoritative one.
// Grids, clusters and drops must agree exactly; payouts follow the
// compensated-payout policy.
func (v *Validator) Matches(authoritative, declared grid.Step) Result {
	if authoritative.Index != declared.Index {
		return fail(ReasonStepMismatch, "step index %d != %d", declared.Index, authoritative.Index)
	}
	if !authoritative.Before.Equal(declared.Before) || !authoritative.After.Equal(declared.After) {
		return fail(ReasonStepMismatch, "grid state diverged at step %d", authoritative.Index)
	}
	if len(authoritative.Clusters) != len(declared.Clusters) {
		return fail(ReasonStepMismatch, "cluster count %d != %d", len(declared.Clusters), len(authoritative.Clusters))
	}
	if v.cfg.AllowCompensatedPayouts {
		if authoritative.Payout() != declared.Payout() {
			return fail(ReasonPayoutMismatch, "step %d total payout %d != %d", authoritative.Index, declared.Payout(), authoritative.Payout())
		}
		return ok()
	}
	for i := range authoritative.Clusters {
		if authoritative.Clusters[i].Payout != declared.Clusters[i].Payout {
			return fail(ReasonPayoutMismatch, "cluster %d payout %d != %d", i, declared.Clusters[i].Payout, authoritative.Clusters[i].Payout)
		}
	}
	return ok()
}

// checkClusters verifies every matched cluster and returns the removal mask.
func (v *Validator) checkClusters(s grid.Step) (map[grid.Position]bool, Result) {
	removed := make(map[grid.Position]bool)
	if len(s.Clusters) == 0 {
		return nil, fail(ReasonClusterEmpty, "step %d declares no matched clusters", s.Index)
	}
	for i, cluster := range s.Clusters {
		if len(cluster.Positions) < v.cfg.MinClusterSize {
			return nil, fail(ReasonClusterTooSmall, "cluster %d has %d positions, minimum %d", i, len(cluster.Positions), v.cfg.MinClusterSize)
		}
		for _, p := range cluster.Positions {
			if !s.Before.InBounds(p) {
				return nil, fail(ReasonClusterOutOfBounds, "cluster %d position (%d,%d)", i, p.Col, p.Row)
			}
			if s.Before.At(p.Col, p.Row) != cluster.Symbol {
				return nil, fail(ReasonClusterSymbol, "cluster %d expects symbol %d at (%d,%d), grid holds %d",
					i, cluster.Symbol, p.Col, p.Row, s.Before.At(p.Col, p.Row))
			}
			if removed[p] {
				return nil, fail(ReasonClusterOverlap, "position (%d,%d) claimed twice", p.Col, p.Row)
			}
			removed[p] = true
		}
		if !grid.Connected(cluster.Positions) {
			return nil, fail(ReasonClusterDisconnected, "cluster %d symbol %d is not a connected region", i, cluster.Symbol)
		}
	}
	return removed, ok()
}

// checkPhysics replays removal, gravity and the declared drops, and demands
// the outcome equals the declared after grid.
func (v *Validator) checkPhysics(s grid.Step, removed map[grid.Position]bool) Result {
	lost := make(map[int]int)
	for p := range removed {
		lost[p.Col]++
	}
	declared := make(map[int]grid.DropPattern, len(s.Drops))
	for _, pattern := range s.Drops {
		if lost[pattern.Column] == 0 {
			return fail(ReasonDropColumn, "column %d declared drops but lost no symbols", pattern.Column)
		}
		if _, dup := declared[pattern.Column]; dup {
			return fail(ReasonDropMismatch, "column %d declared twice", pattern.Column)
		}
		declared[pattern.Column] = pattern
	}

	work := s.Before.Clone()
	for p := range removed {
		work.Set(p.Col, p.Row, grid.None)
	}

	for col := 0; col < work.Cols; col++ {
		if r := v.settleColumn(&work, col, declared[col]); !r.Valid {
			return r
		}
	}

	if !work.Equal(s.After) {
		return fail(ReasonAfterUnreachable, "declared gridAfter does not follow from gridBefore at step %d", s.Index)
	}
	return ok()
}

// settleColumn applies gravity to one column and cross-checks the declared
// drop pattern: survivors fall to the lowest open cell, refills enter from
// above with the symbols the pattern declares.
func (v *Validator) settleColumn(work *grid.Grid, col int, pattern grid.DropPattern) Result {
	moves := make(map[int]grid.Drop)
	refills := make([]grid.Drop, 0, 4)
	for _, drop := range pattern.Drops {
		if drop.From < 0 {
			refills = append(refills, drop)
			continue
		}
		moves[drop.From] = drop
	}

	// Gravity: walk from the bottom, compacting survivors.
	write := work.Rows - 1
	for read := work.Rows - 1; read >= 0; read-- {
		sym := work.At(col, read)
		if sym == grid.None {
			continue
		}
		if read != write {
			m, declared := moves[read]
			if !declared || m.To != write || m.Symbol != sym {
				return fail(ReasonDropMismatch, "column %d symbol at row %d must fall to row %d", col, read, write)
			}
			delete(moves, read)
			work.Set(col, write, sym)
			work.Set(col, read, grid.None)
		}
		write--
	}
	if len(moves) != 0 {
		return fail(ReasonDropMismatch, "column %d declares moves for symbols that did not fall", col)
	}

	// Refill: the remaining empty rows are the topmost `write+1` cells.
	if len(refills) != write+1 {
		return fail(ReasonRefillMismatch, "column %d needs %d refills, pattern declares %d", col, write+1, len(refills))
	}
	for _, refill := range refills {
		if refill.To < 0 || refill.To > write {
			return fail(ReasonRefillMismatch, "column %d refill targets occupied row %d", col, refill.To)
		}
		if work.At(col, refill.To) != grid.None {
			return fail(ReasonRefillMismatch, "column %d refill row %d declared twice", col, refill.To)
		}
		if refill.Symbol == grid.None {
			return fail(ReasonRefillMismatch, "column %d refill row %d has no symbol", col, refill.To)
		}
		work.Set(col, refill.To, refill.Symbol)
	}
	return ok()
}

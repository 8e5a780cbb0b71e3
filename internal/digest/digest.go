// Package digest computes the validation hashes exchanged between the server
// and the client. The canonical encoding below is the compatibility contract:
// any client implementation must serialize identically or every step will
// mismatch.
//
// Canonical form, written to SHA-256 and hex encoded:
//
//	gemfall.v1 | salt=<sessionSalt> | step=<stepIndex> | seed=<syncSeed>
//	grid=<cols>x<rows> | c0=<s,s,...> | c1=... (columns in order, rows top down)
//
// Step digests append the before grid, the after grid, the matched clusters
// (sorted by symbol, then first position), the drop patterns (sorted by
// column) and the declared timing. Sequence digests chain the per-step
// digests in index order. Field order is fixed; no JSON is involved, so key
// ordering can never perturb the result.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"gemfall/server/internal/grid"
)

const encodingVersion = "gemfall.v1"

// Context binds a digest to one step of one session so a captured hash cannot
// be replayed elsewhere.
type Context struct {
	SessionSalt string
	StepIndex   int
	SyncSeed    int64
}

// Grid computes the digest of a board state under the given context.
func Grid(g grid.Grid, ctx Context) (string, error) {
	if err := g.CheckShape(); err != nil {
		return "", fmt.Errorf("digest grid: %w", err)
	}
	h := sha256.New()
	writeContext(h, ctx)
	writeGrid(h, g)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Step computes the digest of a full cascade step under the given context.
func Step(s grid.Step, ctx Context) (string, error) {
	if err := s.Before.CheckShape(); err != nil {
		return "", fmt.Errorf("digest step %d before: %w", s.Index, err)
	}
	if err := s.After.CheckShape(); err != nil {
		return "", fmt.Errorf("digest step %d after: %w", s.Index, err)
	}
	h := sha256.New()
	writeContext(h, ctx)
	fmt.Fprintf(h, "|idx=%d", s.Index)
	writeGrid(h, s.Before)
	writeGrid(h, s.After)
	writeClusters(h, s.Clusters)
	writeDrops(h, s.Drops)
	fmt.Fprintf(h, "|t=%d,%d,%d,%d,%d,%d",
		s.Timing.StartDelay, s.Timing.DestroyDuration, s.Timing.DropDuration,
		s.Timing.DropDelayPerRow, s.Timing.WinPresentationDelay, s.Timing.TotalDuration)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sequence chains the per-step digests of an ordered cascade sequence into
// the aggregate hash validated at session completion.
func Sequence(steps []grid.Step, ctx Context) (string, error) {
	h := sha256.New()
	writeContext(h, ctx)
	for _, s := range steps {
		stepCtx := ctx
		stepCtx.StepIndex = s.Index
		d, err := Step(s, stepCtx)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "|%s", d)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeContext(h hash.Hash, ctx Context) {
	fmt.Fprintf(h, "%s|salt=%s|step=%d|seed=%d", encodingVersion, ctx.SessionSalt, ctx.StepIndex, ctx.SyncSeed)
}

func writeGrid(h hash.Hash, g grid.Grid) {
	fmt.Fprintf(h, "|grid=%dx%d", g.Cols, g.Rows)
	for c, column := range g.Cells {
		fmt.Fprintf(h, "|c%d=", c)
		for r, sym := range column {
			if r > 0 {
				fmt.Fprint(h, ",")
			}
			fmt.Fprintf(h, "%d", int(sym))
		}
	}
}

func writeClusters(h hash.Hash, clusters []grid.Cluster) {
	ordered := make([]grid.Cluster, len(clusters))
	copy(ordered, clusters)
	for i := range ordered {
		positions := append([]grid.Position(nil), ordered[i].Positions...)
		sort.Slice(positions, func(a, b int) bool {
			if positions[a].Col != positions[b].Col {
				return positions[a].Col < positions[b].Col
			}
			return positions[a].Row < positions[b].Row
		})
		ordered[i].Positions = positions
	}
	sort.Slice(ordered, func(a, b int) bool {
		if ordered[a].Symbol != ordered[b].Symbol {
			return ordered[a].Symbol < ordered[b].Symbol
		}
		return lessPositions(ordered[a].Positions, ordered[b].Positions)
	})
	fmt.Fprintf(h, "|clusters=%d", len(ordered))
	for _, cluster := range ordered {
		fmt.Fprintf(h, "|m%d:%d:", int(cluster.Symbol), cluster.Payout)
		for i, p := range cluster.Positions {
			if i > 0 {
				fmt.Fprint(h, ";")
			}
			fmt.Fprintf(h, "%d,%d", p.Col, p.Row)
		}
	}
}

func writeDrops(h hash.Hash, patterns []grid.DropPattern) {
	ordered := make([]grid.DropPattern, len(patterns))
	copy(ordered, patterns)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].Column < ordered[b].Column })
	fmt.Fprintf(h, "|drops=%d", len(ordered))
	for _, pattern := range ordered {
		fmt.Fprintf(h, "|d%d:", pattern.Column)
		for i, drop := range pattern.Drops {
			if i > 0 {
				fmt.Fprint(h, ";")
			}
			fmt.Fprintf(h, "%d>%d:%d", drop.From, drop.To, int(drop.Symbol))
		}
	}
}

func lessPositions(a, b []grid.Position) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Col != b[i].Col {
			return a[i].Col < b[i].Col
		}
		if a[i].Row != b[i].Row {
			return a[i].Row < b[i].Row
		}
	}
	return len(a) < len(b)
}

// Package engine defines the boundary to the slot math engine. The
// coordinator treats whatever arrives through Provider as ground truth.
//
// Deterministic is a self-contained reference engine used in development and
// tests: the same seed and spin id always reproduce the same outcome, so a
// spin can be independently re-derived and verified after the fact. Real
// deployments plug the production math service behind the same interface.
package engine

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"gemfall/server/internal/grid"
)

// Outcome is an authoritative spin result: the initial board and the ordered
// cascade steps, immutable once produced.
type Outcome struct {
	SpinID      string      `json:"spinId"`
	Initial     grid.Grid   `json:"initialGrid"`
	Steps       []grid.Step `json:"steps"`
	TotalPayout int64       `json:"totalPayout"`
}

// Provider produces the outcome for a spin.
type Provider interface {
	Outcome(spinID string) (Outcome, error)
}

// Config tunes the deterministic reference engine.
type Config struct {
	Cols           int
	Rows           int
	MinClusterSize int
	Seed           string

	// Weights drive symbol draws; Paytable is the per-tile payout of a
	// matched symbol, scaled by cluster size.
	Weights  map[grid.Symbol]int
	Paytable map[grid.Symbol]int64

	// MaxSteps caps runaway cascades.
	MaxSteps int
}

// DefaultConfig is a 6x5 cluster game with eight symbols.
func DefaultConfig() Config {
	weights := map[grid.Symbol]int{1: 20, 2: 18, 3: 16, 4: 14, 5: 12, 6: 10, 7: 6, 8: 4}
	paytable := map[grid.Symbol]int64{1: 5, 2: 8, 3: 10, 4: 15, 5: 25, 6: 40, 7: 100, 8: 250}
	return Config{
		Cols:           6,
		Rows:           5,
		MinClusterSize: 4,
		Seed:           "gemfall-dev",
		Weights:        weights,
		Paytable:       paytable,
		MaxSteps:       12,
	}
}

// Deterministic is the seeded reference engine.
type Deterministic struct {
	cfg     Config
	symbols []grid.Symbol
	total   int
}

// NewDeterministic constructs a reference engine from the config.
func NewDeterministic(cfg Config) (*Deterministic, error) {
	if cfg.Cols <= 0 || cfg.Rows <= 0 {
		return nil, fmt.Errorf("engine dimensions %dx%d are not positive", cfg.Cols, cfg.Rows)
	}
	if len(cfg.Weights) == 0 {
		return nil, fmt.Errorf("engine requires symbol weights")
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 4
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 12
	}
	e := &Deterministic{cfg: cfg}
	for sym, w := range cfg.Weights {
		if w <= 0 {
			continue
		}
		e.symbols = append(e.symbols, sym)
		e.total += w
	}
	if e.total == 0 {
		return nil, fmt.Errorf("engine symbol weights sum to zero")
	}
	sort.Slice(e.symbols, func(a, b int) bool { return e.symbols[a] < e.symbols[b] })
	return e, nil
}

// SeedValue derives the RNG seed for a spin from the root seed and spin id.
func SeedValue(rootSeed, spinID string) int64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(rootSeed))
	hasher.Write([]byte{0})
	hasher.Write([]byte(spinID))
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return int64(sum)
}

// Outcome derives the full cascade sequence for a spin. Identical inputs
// always yield identical outcomes.
func (e *Deterministic) Outcome(spinID string) (Outcome, error) {
	if spinID == "" {
		return Outcome{}, fmt.Errorf("engine: empty spin id")
	}
	rng := rand.New(rand.NewSource(SeedValue(e.cfg.Seed, spinID)))

	board := grid.New(e.cfg.Cols, e.cfg.Rows)
	for c := 0; c < board.Cols; c++ {
		for r := 0; r < board.Rows; r++ {
			board.Set(c, r, e.draw(rng))
		}
	}

	outcome := Outcome{SpinID: spinID, Initial: board.Clone()}
	for index := 0; index < e.cfg.MaxSteps; index++ {
		clusters := e.FindClusters(board)
		if len(clusters) == 0 {
			break
		}
		step := e.resolveStep(rng, board, index, clusters)
		outcome.Steps = append(outcome.Steps, step)
		outcome.TotalPayout += step.Payout()
		board = step.After.Clone()
	}
	return outcome, nil
}

// FindClusters locates every connected same-symbol region at or above the
// minimum cluster size, ordered by first position for determinism.
func (e *Deterministic) FindClusters(board grid.Grid) []grid.Cluster {
	visited := make(map[grid.Position]bool)
	var clusters []grid.Cluster
	for c := 0; c < board.Cols; c++ {
		for r := 0; r < board.Rows; r++ {
			start := grid.Position{Col: c, Row: r}
			if visited[start] {
				continue
			}
			sym := board.At(c, r)
			region := flood(board, start, sym, visited)
			if len(region) >= e.cfg.MinClusterSize {
				clusters = append(clusters, grid.Cluster{
					Symbol:    sym,
					Positions: region,
					Payout:    e.payout(sym, len(region)),
				})
			}
		}
	}
	return clusters
}

// resolveStep removes the clusters, settles each column under gravity,
// refills from the weighted draw and records the drops and timing.
func (e *Deterministic) resolveStep(rng *rand.Rand, board grid.Grid, index int, clusters []grid.Cluster) grid.Step {
	before := board.Clone()
	work := board.Clone()
	lost := make(map[int]int)
	for _, cluster := range clusters {
		for _, p := range cluster.Positions {
			work.Set(p.Col, p.Row, grid.None)
			lost[p.Col]++
		}
	}

	var patterns []grid.DropPattern
	maxFall := 0
	for c := 0; c < work.Cols; c++ {
		if lost[c] == 0 {
			continue
		}
		pattern := grid.DropPattern{Column: c}
		write := work.Rows - 1
		for read := work.Rows - 1; read >= 0; read-- {
			sym := work.At(c, read)
			if sym == grid.None {
				continue
			}
			if read != write {
				pattern.Drops = append(pattern.Drops, grid.Drop{From: read, To: write, Symbol: sym})
				work.Set(c, write, sym)
				work.Set(c, read, grid.None)
				if fall := write - read; fall > maxFall {
					maxFall = fall
				}
			}
			write--
		}
		for to := write; to >= 0; to-- {
			sym := e.draw(rng)
			// Refill source rows count upward from just above the board.
			pattern.Drops = append(pattern.Drops, grid.Drop{From: -(write - to + 1), To: to, Symbol: sym})
			work.Set(c, to, sym)
		}
		if write+1 > maxFall {
			maxFall = write + 1
		}
		patterns = append(patterns, pattern)
	}

	timing := stepTiming(maxFall)
	return grid.Step{
		Index:    index,
		Before:   before,
		After:    work,
		Clusters: clusters,
		Drops:    patterns,
		Timing:   timing,
	}
}

func stepTiming(maxFall int) grid.Timing {
	const (
		startDelay      = 150
		destroyDuration = 400
		dropDelayPerRow = 80
		winPresentation = 600
	)
	drop := int64(maxFall) * dropDelayPerRow
	return grid.Timing{
		StartDelay:           startDelay,
		DestroyDuration:      destroyDuration,
		DropDuration:         drop,
		DropDelayPerRow:      dropDelayPerRow,
		WinPresentationDelay: winPresentation,
		TotalDuration:        startDelay + destroyDuration + drop + winPresentation,
	}
}

func (e *Deterministic) payout(sym grid.Symbol, size int) int64 {
	base := e.cfg.Paytable[sym]
	if base <= 0 {
		base = 1
	}
	extra := int64(size - e.cfg.MinClusterSize)
	if extra < 0 {
		extra = 0
	}
	return base * int64(size) * (1 + extra)
}

func (e *Deterministic) draw(rng *rand.Rand) grid.Symbol {
	pick := rng.Intn(e.total)
	for _, sym := range e.symbols {
		pick -= e.cfg.Weights[sym]
		if pick < 0 {
			return sym
		}
	}
	return e.symbols[len(e.symbols)-1]
}

func flood(board grid.Grid, start grid.Position, sym grid.Symbol, visited map[grid.Position]bool) []grid.Position {
	visited[start] = true
	region := []grid.Position{start}
	queue := []grid.Position{start}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		neighbors := []grid.Position{
			{Col: p.Col - 1, Row: p.Row},
			{Col: p.Col + 1, Row: p.Row},
			{Col: p.Col, Row: p.Row - 1},
			{Col: p.Col, Row: p.Row + 1},
		}
		for _, n := range neighbors {
			if !board.InBounds(n) || visited[n] || board.At(n.Col, n.Row) != sym {
				continue
			}
			visited[n] = true
			region = append(region, n)
			queue = append(queue, n)
		}
	}
	sort.Slice(region, func(a, b int) bool {
		if region[a].Col != region[b].Col {
			return region[a].Col < region[b].Col
		}
		return region[a].Row < region[b].Row
	})
	return region
}

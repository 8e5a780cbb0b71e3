package engine

import (
	"reflect"
	"testing"

	"gemfall/server/internal/grid"
	"gemfall/server/internal/validate"
)

func TestOutcomeIsDeterministic(t *testing.T) {
	first, err := NewDeterministic(DefaultConfig())
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}
	second, err := NewDeterministic(DefaultConfig())
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}

	a, err := first.Outcome("spin-determinism")
	if err != nil {
		t.Fatalf("outcome failed: %v", err)
	}
	b, err := second.Outcome("spin-determinism")
	if err != nil {
		t.Fatalf("outcome failed: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed and spin id must reproduce the identical outcome")
	}
}

func TestOutcomeChainsAndAccountsPayout(t *testing.T) {
	eng, err := NewDeterministic(DefaultConfig())
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}

	for _, spinID := range []string{"spin-a", "spin-b", "spin-c", "spin-d"} {
		outcome, err := eng.Outcome(spinID)
		if err != nil {
			t.Fatalf("outcome %s failed: %v", spinID, err)
		}
		if err := outcome.Initial.CheckShape(); err != nil {
			t.Fatalf("spin %s initial grid malformed: %v", spinID, err)
		}

		var payout int64
		for i, step := range outcome.Steps {
			if step.Index != i {
				t.Fatalf("spin %s step %d carries index %d", spinID, i, step.Index)
			}
			if i == 0 {
				if !step.Before.Equal(outcome.Initial) {
					t.Fatalf("spin %s first step must start from the initial grid", spinID)
				}
			} else if !outcome.Steps[i-1].After.Equal(step.Before) {
				t.Fatalf("spin %s chain broken between steps %d and %d", spinID, i-1, i)
			}
			if step.Timing.TotalDuration <= 0 {
				t.Fatalf("spin %s step %d has no declared duration", spinID, i)
			}
			payout += step.Payout()
		}
		if payout != outcome.TotalPayout {
			t.Fatalf("spin %s step payouts sum to %d, outcome declares %d", spinID, payout, outcome.TotalPayout)
		}
	}
}

func TestOutcomePassesStructuralValidation(t *testing.T) {
	cfg := DefaultConfig()
	eng, err := NewDeterministic(cfg)
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}
	v := validate.New(validate.Config{Cols: cfg.Cols, Rows: cfg.Rows, MinClusterSize: cfg.MinClusterSize})

	for _, spinID := range []string{"spin-a", "spin-b", "spin-c"} {
		outcome, err := eng.Outcome(spinID)
		if err != nil {
			t.Fatalf("outcome %s failed: %v", spinID, err)
		}
		if len(outcome.Steps) == 0 {
			continue
		}
		results, overall := v.Sequence(outcome.Steps)
		if !overall.Valid {
			t.Fatalf("spin %s failed validation: %s (%s)", spinID, overall.Reason, overall.Detail)
		}
		for i, r := range results {
			if !r.Valid {
				t.Fatalf("spin %s step %d invalid: %s (%s)", spinID, i, r.Reason, r.Detail)
			}
		}
	}
}

func TestSeedValueDerivation(t *testing.T) {
	if SeedValue("root", "spin-a") != SeedValue("root", "spin-a") {
		t.Fatalf("seed derivation must be stable")
	}
	if SeedValue("root", "spin-a") == SeedValue("root", "spin-b") {
		t.Fatalf("distinct spin ids must derive distinct seeds")
	}
	if SeedValue("other", "spin-a") == SeedValue("root", "spin-a") {
		t.Fatalf("distinct root seeds must derive distinct seeds")
	}
}

func TestFindClustersLocatesRegion(t *testing.T) {
	eng, err := NewDeterministic(DefaultConfig())
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}

	board := grid.New(6, 5)
	for c := 0; c < 6; c++ {
		for r := 0; r < 5; r++ {
			board.Set(c, r, grid.Symbol(1+(c+r)%2))
		}
	}
	// A checkerboard has no orthogonally connected regions; plant one 2x2
	// block of a third symbol.
	board.Set(0, 0, 3)
	board.Set(0, 1, 3)
	board.Set(1, 0, 3)
	board.Set(1, 1, 3)

	clusters := eng.FindClusters(board)
	if len(clusters) != 1 {
		t.Fatalf("expected exactly one cluster, got %d", len(clusters))
	}
	cluster := clusters[0]
	if cluster.Symbol != 3 || len(cluster.Positions) != 4 {
		t.Fatalf("unexpected cluster: %+v", cluster)
	}
	// Base payout 10 for symbol 3, four tiles, no size bonus.
	if cluster.Payout != 40 {
		t.Fatalf("expected payout 40, got %d", cluster.Payout)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewDeterministic(Config{}); err == nil {
		t.Fatalf("expected error for zero dimensions")
	}
	cfg := DefaultConfig()
	cfg.Weights = nil
	if _, err := NewDeterministic(cfg); err == nil {
		t.Fatalf("expected error for missing weights")
	}
}

func TestEmptySpinIDRejected(t *testing.T) {
	eng, err := NewDeterministic(DefaultConfig())
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}
	if _, err := eng.Outcome(""); err == nil {
		t.Fatalf("expected error for empty spin id")
	}
}

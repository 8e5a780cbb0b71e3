// Package fraud scores grids, steps and whole spins for anomaly likelihood.
// Scores are advisory telemetry: they feed counters and an optional blocking
// policy, and they never alter a game outcome.
package fraud

import (
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gemfall/server/internal/grid"
	"gemfall/server/internal/timing"
)

// Detection names a discrete anomaly signal contributing to a score.
type Detection string

const (
	DetectionImpossibleTiming    Detection = "impossible_timing"
	DetectionClusterDisconnected Detection = "cluster_disconnected"
	DetectionSymbolDistribution  Detection = "symbol_distribution_anomaly"
	DetectionGridReplay          Detection = "grid_replay"
	DetectionPayoutAnomaly       Detection = "payout_anomaly"
)

// Score is a bounded anomaly likelihood plus the detections that produced it.
type Score struct {
	Value      float64     `json:"fraudScore"`
	Detections []Detection `json:"detections"`
}

// Statistics aggregates analyzer activity, either globally or per session.
type Statistics struct {
	TotalAnalyzed     uint64  `json:"totalAnalyzed"`
	FraudDetected     uint64  `json:"fraudDetected"`
	AverageFraudScore float64 `json:"averageFraudScore"`
}

// Config tunes the analyzer.
type Config struct {
	// SymbolWeights are the configured draw weights the chi-square test
	// compares observed frequencies against.
	SymbolWeights map[grid.Symbol]float64

	// HistoryLimit bounds the per-shard replay history; oldest entries are
	// evicted first.
	HistoryLimit int

	// HistoryTTL expires replay history entries regardless of volume.
	HistoryTTL time.Duration

	// BlockThreshold gates the Blocked helper. Zero disables blocking.
	BlockThreshold float64

	// Shards spreads session statistics across independent locks so many
	// sessions never serialize behind one mutex.
	Shards int

	Tolerance timing.Tolerance
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: 256,
		HistoryTTL:   10 * time.Minute,
		Shards:       16,
		Tolerance:    timing.DefaultTolerance(),
	}
}

type historyEntry struct {
	fingerprint uint64
	seenAt      time.Time
}

type sessionStats struct {
	analyzed uint64
	detected uint64
	scoreSum float64
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*sessionStats
	history  []historyEntry
}

// Analyzer holds the bounded history and running statistics. Safe for use by
// many concurrent sessions.
type Analyzer struct {
	cfg    Config
	clock  func() time.Time
	shards []*shard

	totalAnalyzed atomic.Uint64
	fraudDetected atomic.Uint64
	scoreSumMilli atomic.Uint64
}

// New constructs an analyzer.
func New(cfg Config) *Analyzer {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 256
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 10 * time.Minute
	}
	if cfg.Tolerance == (timing.Tolerance{}) {
		cfg.Tolerance = timing.DefaultTolerance()
	}
	a := &Analyzer{cfg: cfg, clock: time.Now, shards: make([]*shard, cfg.Shards)}
	for i := range a.shards {
		a.shards[i] = &shard{sessions: make(map[string]*sessionStats)}
	}
	return a
}

// SetClock overrides the time source. Tests only.
func (a *Analyzer) SetClock(clock func() time.Time) {
	if clock != nil {
		a.clock = clock
	}
}

// AnalyzeGrid scores a standalone board state for the given session.
func (a *Analyzer) AnalyzeGrid(sessionID string, g grid.Grid) Score {
	score := Score{Detections: []Detection{}}
	if dev := a.distributionDeviation(g); dev > 0 {
		score.Value += dev
		if dev >= 0.2 {
			score.Detections = append(score.Detections, DetectionSymbolDistribution)
		}
	}
	if a.noteReplay(g) {
		score.Value += 0.5
		score.Detections = append(score.Detections, DetectionGridReplay)
	}
	score.Value = clamp01(score.Value)
	a.record(sessionID, score)
	return score
}

// AnalyzeStep scores one cascade step: structural cluster signals, symbol
// distribution of the resulting grid, and declared-timing plausibility.
func (a *Analyzer) AnalyzeStep(sessionID string, s grid.Step) Score {
	score := Score{Detections: []Detection{}}
	for _, cluster := range s.Clusters {
		if !grid.Connected(cluster.Positions) {
			score.Value += 0.6
			score.Detections = append(score.Detections, DetectionClusterDisconnected)
			break
		}
	}
	for _, cluster := range s.Clusters {
		if cluster.Payout < 0 {
			score.Value += 0.6
			score.Detections = append(score.Detections, DetectionPayoutAnomaly)
			break
		}
	}
	if s.Timing.TotalDuration > 0 {
		floor := s.Timing.DestroyDuration + s.Timing.DropDuration
		if s.Timing.TotalDuration < floor {
			score.Value += 0.4
			score.Detections = append(score.Detections, DetectionImpossibleTiming)
		}
	}
	if dev := a.distributionDeviation(s.After); dev >= 0.2 {
		score.Value += dev
		score.Detections = append(score.Detections, DetectionSymbolDistribution)
	}
	if a.noteReplay(s.After) {
		score.Value += 0.5
		score.Detections = append(score.Detections, DetectionGridReplay)
	}
	score.Value = clamp01(score.Value)
	a.record(sessionID, score)
	return score
}

// AnalyzeSpin scores a whole spin. Detections from individual steps are
// merged; the value is the maximum step value raised by cross-step signals.
func (a *Analyzer) AnalyzeSpin(sessionID string, steps []grid.Step) Score {
	score := Score{Detections: []Detection{}}
	seen := make(map[Detection]bool)
	for _, step := range steps {
		stepScore := a.AnalyzeStep(sessionID, step)
		if stepScore.Value > score.Value {
			score.Value = stepScore.Value
		}
		for _, d := range stepScore.Detections {
			if !seen[d] {
				seen[d] = true
				score.Detections = append(score.Detections, d)
			}
		}
	}
	// A spin whose every step presents identical timing is automation, not a
	// human-paced client.
	if len(steps) >= 3 {
		identical := true
		for i := 1; i < len(steps); i++ {
			if steps[i].Timing.TotalDuration != steps[0].Timing.TotalDuration {
				identical = false
				break
			}
		}
		if identical && !seen[DetectionImpossibleTiming] {
			score.Value = clamp01(score.Value + 0.15)
			score.Detections = append(score.Detections, DetectionImpossibleTiming)
		}
	}
	a.record(sessionID, score)
	return score
}

// AuditTiming folds a timing verdict into the session's fraud record and
// returns the corresponding score contribution.
func (a *Analyzer) AuditTiming(sessionID string, observedMs int64, declared grid.Timing) Score {
	verdict := timing.Audit(observedMs, declared, a.cfg.Tolerance)
	score := Score{Detections: []Detection{}}
	if !verdict.Valid {
		score.Value = 0.7
		score.Detections = append(score.Detections, DetectionImpossibleTiming)
	}
	a.record(sessionID, score)
	return score
}

// Blocked reports whether policy gates the given score. Always false when no
// threshold is configured.
func (a *Analyzer) Blocked(s Score) bool {
	return a.cfg.BlockThreshold > 0 && s.Value > a.cfg.BlockThreshold
}

// Statistics returns the global aggregate counters.
func (a *Analyzer) Statistics() Statistics {
	total := a.totalAnalyzed.Load()
	stats := Statistics{
		TotalAnalyzed: total,
		FraudDetected: a.fraudDetected.Load(),
	}
	if total > 0 {
		stats.AverageFraudScore = float64(a.scoreSumMilli.Load()) / 1000 / float64(total)
	}
	return stats
}

// SessionStatistics returns the counters for one session. Unknown sessions
// yield empty statistics, not an error.
func (a *Analyzer) SessionStatistics(sessionID string) Statistics {
	sh := a.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.sessions[sessionID]
	if !ok {
		return Statistics{}
	}
	stats := Statistics{TotalAnalyzed: st.analyzed, FraudDetected: st.detected}
	if st.analyzed > 0 {
		stats.AverageFraudScore = st.scoreSum / float64(st.analyzed)
	}
	return stats
}

// ReleaseSession drops per-session counters once the session is gone.
// Aggregate counters are intentionally untouched.
func (a *Analyzer) ReleaseSession(sessionID string) {
	sh := a.shardFor(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
}

func (a *Analyzer) record(sessionID string, s Score) {
	a.totalAnalyzed.Add(1)
	a.scoreSumMilli.Add(uint64(s.Value * 1000))
	if len(s.Detections) > 0 {
		a.fraudDetected.Add(1)
	}

	sh := a.shardFor(sessionID)
	sh.mu.Lock()
	st, ok := sh.sessions[sessionID]
	if !ok {
		st = &sessionStats{}
		sh.sessions[sessionID] = st
	}
	st.analyzed++
	st.scoreSum += s.Value
	if len(s.Detections) > 0 {
		st.detected++
	}
	sh.mu.Unlock()
}

// distributionDeviation measures a chi-square-like distance between observed
// symbol frequencies and the configured draw weights, normalized to [0,1].
func (a *Analyzer) distributionDeviation(g grid.Grid) float64 {
	if len(a.cfg.SymbolWeights) == 0 {
		return 0
	}
	counts := g.SymbolCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 0
	}
	var weightSum float64
	for _, w := range a.cfg.SymbolWeights {
		weightSum += w
	}
	if weightSum <= 0 {
		return 0
	}
	var chi float64
	for sym, w := range a.cfg.SymbolWeights {
		expected := float64(total) * w / weightSum
		if expected <= 0 {
			continue
		}
		observed := float64(counts[sym])
		diff := observed - expected
		chi += diff * diff / expected
	}
	// Symbols outside the configured set are maximally suspicious.
	for sym, n := range counts {
		if _, known := a.cfg.SymbolWeights[sym]; !known {
			chi += float64(n) * 4
		}
	}
	return clamp01(chi / float64(total) / 4)
}

// noteReplay fingerprints the grid and reports whether the identical board
// was seen recently, in this session or any other. History shards by
// fingerprint so identical grids always land on the same shard while
// unrelated sessions stay off each other's locks. Bounded, oldest-first
// eviction plus TTL expiry.
func (a *Analyzer) noteReplay(g grid.Grid) bool {
	fp := fingerprint(g)
	now := a.clock()
	sh := a.shards[int(fp%uint64(len(a.shards)))]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cutoff := now.Add(-a.cfg.HistoryTTL)
	trimmed := sh.history[:0]
	for _, entry := range sh.history {
		if entry.seenAt.After(cutoff) {
			trimmed = append(trimmed, entry)
		}
	}
	sh.history = trimmed

	replayed := false
	for _, entry := range sh.history {
		if entry.fingerprint == fp {
			replayed = true
			break
		}
	}

	sh.history = append(sh.history, historyEntry{fingerprint: fp, seenAt: now})
	if len(sh.history) > a.cfg.HistoryLimit {
		sh.history = sh.history[len(sh.history)-a.cfg.HistoryLimit:]
	}
	return replayed
}

func (a *Analyzer) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return a.shards[int(h.Sum32())%len(a.shards)]
}

func fingerprint(g grid.Grid) uint64 {
	h := fnv.New64a()
	var buf [2]byte
	buf[0] = byte(g.Cols)
	buf[1] = byte(g.Rows)
	h.Write(buf[:])
	for _, column := range g.Cells {
		for _, sym := range column {
			h.Write([]byte{byte(sym), byte(sym >> 8)})
		}
	}
	return h.Sum64()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

package grid

// Cluster is a connected group of identical symbols that paid out and is
// removed by the cascade.
type Cluster struct {
	Symbol    Symbol     `json:"symbol"`
	Positions []Position `json:"positions"`
	Payout    int64      `json:"payout"`
}

// Drop records one symbol movement within a column. From is the source row,
// or negative when the symbol enters fresh from above the board.
type Drop struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Symbol Symbol `json:"symbol"`
}

// DropPattern bundles the drops applied to a single column.
type DropPattern struct {
	Column int    `json:"column"`
	Drops  []Drop `json:"drops"`
}

// Timing carries the presentation schedule declared for a step, all values in
// milliseconds. The auditor validates observed durations against it; the
// server never trusts client-reported timing.
type Timing struct {
	StartDelay           int64 `json:"startDelay"`
	DestroyDuration      int64 `json:"destroyDuration"`
	DropDuration         int64 `json:"dropDuration"`
	DropDelayPerRow      int64 `json:"dropDelayPerRow"`
	WinPresentationDelay int64 `json:"winPresentationDelay"`
	TotalDuration        int64 `json:"totalDuration"`
}

// Step is one cascade: the board before, the clusters removed, the declared
// drop physics, and the board after.
type Step struct {
	Index    int           `json:"stepIndex"`
	Before   Grid          `json:"gridBefore"`
	After    Grid          `json:"gridAfter"`
	Clusters []Cluster     `json:"matchedClusters"`
	Drops    []DropPattern `json:"dropPatterns"`
	Timing   Timing        `json:"timing"`
}

// Payout sums the cluster payouts declared on the step.
func (s Step) Payout() int64 {
	var total int64
	for _, cluster := range s.Clusters {
		total += cluster.Payout
	}
	return total
}

// RemovedPositions flattens the matched cluster positions.
func (s Step) RemovedPositions() []Position {
	var out []Position
	for _, cluster := range s.Clusters {
		out = append(out, cluster.Positions...)
	}
	return out
}

// Connected reports whether the positions form a single orthogonally
// connected region. Empty input is not connected.
func Connected(positions []Position) bool {
	if len(positions) == 0 {
		return false
	}
	index := make(map[Position]bool, len(positions))
	for _, p := range positions {
		index[p] = true
	}
	if len(index) != len(positions) {
		return false
	}

	visited := make(map[Position]bool, len(positions))
	queue := []Position{positions[0]}
	visited[positions[0]] = true
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		neighbors := []Position{
			{Col: p.Col - 1, Row: p.Row},
			{Col: p.Col + 1, Row: p.Row},
			{Col: p.Col, Row: p.Row - 1},
			{Col: p.Col, Row: p.Row + 1},
		}
		for _, n := range neighbors {
			if index[n] && !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return len(visited) == len(positions)
}

package spatial

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

const (
	defaultCellDegrees = 0.01
	directoryStripes   = 64
	locatorStripes     = 64

	metersPerDegree = math.Pi * domain.EarthRadiusMeters / 180
)

// GridConfig tunes the grid resolution.
type GridConfig struct {
	CellDegrees float64
}

// GridIndex partitions the globe into fixed lat/lng cells. Every cell bucket
// has its own lock, so writers in different cells never contend and readers
// only lock the buckets they scan. The directory groups buckets by row so a
// query can read a whole row without touching its empty cells.
type GridIndex struct {
	cellDeg float64
	rows    int
	cols    int

	dir  [directoryStripes]dirStripe
	locs [locatorStripes]locStripe
}

type cellKey struct {
	row int
	col int
}

type bucket struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// dirStripe maps row -> column -> bucket for the rows hashed to it.
type dirStripe struct {
	mu   sync.RWMutex
	rows map[int]map[int]*bucket
}

type locator struct {
	cell       cellKey
	reportedAt time.Time
	version    int64
}

// locStripe serialises writers of the same agent and remembers its cell.
type locStripe struct {
	mu     sync.Mutex
	agents map[string]*locator
}

// NewGridIndex constructs an empty grid.
func NewGridIndex(cfg GridConfig) *GridIndex {
	if cfg.CellDegrees <= 0 || cfg.CellDegrees > 10 {
		cfg.CellDegrees = defaultCellDegrees
	}
	g := &GridIndex{
		cellDeg: cfg.CellDegrees,
		rows:    int(math.Ceil(180 / cfg.CellDegrees)),
		cols:    int(math.Ceil(360 / cfg.CellDegrees)),
	}
	for i := range g.dir {
		g.dir[i].rows = make(map[int]map[int]*bucket)
	}
	for i := range g.locs {
		g.locs[i].agents = make(map[string]*locator)
	}
	return g
}

func (g *GridIndex) cellFor(p domain.GeoPoint) cellKey {
	return cellKey{row: g.rowOf(p.Lat), col: g.colOf(p.Lng)}
}

func (g *GridIndex) rowOf(lat float64) int {
	row := int(math.Floor((lat + 90) / g.cellDeg))
	if row >= g.rows {
		row = g.rows - 1
	}
	if row < 0 {
		row = 0
	}
	return row
}

func (g *GridIndex) colOf(lng float64) int {
	return g.wrapCol(int(math.Floor((lng + 180) / g.cellDeg)))
}

// rowSouth returns the southern edge latitude of row.
func (g *GridIndex) rowSouth(row int) float64 {
	return float64(row)*g.cellDeg - 90
}

func (g *GridIndex) wrapCol(col int) int {
	col %= g.cols
	if col < 0 {
		col += g.cols
	}
	return col
}

func (g *GridIndex) rowStripe(row int) *dirStripe {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(row))
	return &g.dir[xxhash.Sum64(buf[:])%directoryStripes]
}

func (g *GridIndex) bucket(key cellKey, create bool) *bucket {
	stripe := g.rowStripe(key.row)

	stripe.mu.RLock()
	b, ok := stripe.rows[key.row][key.col]
	stripe.mu.RUnlock()
	if ok || !create {
		return b
	}

	stripe.mu.Lock()
	defer stripe.mu.Unlock()
	cells := stripe.rows[key.row]
	if cells == nil {
		cells = make(map[int]*bucket)
		stripe.rows[key.row] = cells
	}
	if b, ok = cells[key.col]; ok {
		return b
	}
	b = &bucket{entries: make(map[string]*Entry)}
	cells[key.col] = b
	return b
}

func (g *GridIndex) locStripe(agentID string) *locStripe {
	return &g.locs[xxhash.Sum64String(agentID)%locatorStripes]
}

// Upsert implements Index.
func (g *GridIndex) Upsert(_ context.Context, e Entry) (bool, error) {
	if e.AgentID == "" {
		return false, fmt.Errorf("%w: agent id required", domain.ErrInvalidArgument)
	}
	if !e.Position.Valid() {
		return false, fmt.Errorf("%w: position %v", domain.ErrInvalidArgument, e.Position)
	}

	ls := g.locStripe(e.AgentID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	next := e
	next.Tags = e.Tags.Clone()
	cell := g.cellFor(e.Position)

	loc, known := ls.agents[e.AgentID]
	if known && e.ReportedAt.Before(loc.reportedAt) {
		staleUpdates.WithLabelValues("grid").Inc()
		return false, nil
	}

	var old *bucket
	if known {
		old = g.bucket(loc.cell, false)
		if e.Version < loc.version && old != nil {
			old.mu.RLock()
			if prev, ok := old.entries[e.AgentID]; ok {
				next.Status = prev.Status
				next.Version = prev.Version
			}
			old.mu.RUnlock()
		}
	}

	// Insert before removing from the old cell; queries dedupe by agent id.
	nb := g.bucket(cell, true)
	nb.mu.Lock()
	nb.entries[e.AgentID] = &next
	nb.mu.Unlock()

	if old != nil && loc.cell != cell {
		old.mu.Lock()
		delete(old.entries, e.AgentID)
		old.mu.Unlock()
	}

	ls.agents[e.AgentID] = &locator{cell: cell, reportedAt: e.ReportedAt, version: next.Version}
	return true, nil
}

// UpdateStatus implements Index. Updates carrying an older version than the
// indexed one are dropped.
func (g *GridIndex) UpdateStatus(_ context.Context, agentID string, status domain.AgentStatus, version int64) error {
	ls := g.locStripe(agentID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	loc, ok := ls.agents[agentID]
	if !ok || version < loc.version {
		return nil
	}
	b := g.bucket(loc.cell, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if prev, ok := b.entries[agentID]; ok {
		next := *prev
		next.Status = status
		next.Version = version
		b.entries[agentID] = &next
	}
	b.mu.Unlock()
	loc.version = version
	return nil
}

// Remove implements Index.
func (g *GridIndex) Remove(_ context.Context, agentID string) error {
	ls := g.locStripe(agentID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	loc, ok := ls.agents[agentID]
	if !ok {
		return nil
	}
	if b := g.bucket(loc.cell, false); b != nil {
		b.mu.Lock()
		delete(b.entries, agentID)
		b.mu.Unlock()
	}
	delete(ls.agents, agentID)
	return nil
}

// QueryNearest implements Index. Rows are visited in order of their latitude
// gap to point; that gap times the meridian length is a lower bound on the
// great-circle distance of anything in the row, so the walk stops once it
// passes the radius or the worst kept candidate. Within a row only the
// columns of the search cap's bounding box are read, and only those that
// hold a bucket.
func (g *GridIndex) QueryNearest(_ context.Context, point domain.GeoPoint, radiusMeters float64, required domain.TagSet, limit int) ([]Candidate, error) {
	if limit <= 0 || radiusMeters <= 0 {
		return nil, nil
	}
	if !point.Valid() {
		return nil, fmt.Errorf("%w: position %v", domain.ErrInvalidArgument, point)
	}
	start := time.Now()
	defer func() { queryDuration.WithLabelValues("grid").Observe(time.Since(start).Seconds()) }()

	span := g.searchSpan(point, radiusMeters)
	best := &candidateHeap{}
	seen := make(map[string]struct{})
	for _, row := range span.rows {
		if row.bound > radiusMeters {
			break
		}
		if best.Len() == limit && row.bound > (*best)[0].DistanceMeters {
			break
		}
		for _, b := range g.rowBuckets(row.index, span) {
			b.mu.RLock()
			for id, e := range b.entries {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !eligible(e.Status, e.Tags, required) {
					continue
				}
				d := domain.DistanceMeters(point, e.Position)
				if d > radiusMeters {
					continue
				}
				best.offer(Candidate{AgentID: id, Position: e.Position, DistanceMeters: d}, limit)
			}
			b.mu.RUnlock()
		}
	}

	out := make([]Candidate, best.Len())
	copy(out, *best)
	sortCandidates(out)
	return out, nil
}

type searchRow struct {
	index int
	bound float64
}

// searchSpan is the set of cells that can hold a point within the radius:
// rows sorted by their distance lower bound and a wrapped column range.
type searchSpan struct {
	rows     []searchRow
	firstCol int
	width    int
	allCols  bool
}

func (g *GridIndex) searchSpan(p domain.GeoPoint, radiusMeters float64) searchSpan {
	angular := radiusMeters / domain.EarthRadiusMeters
	deltaLat := angular * 180 / math.Pi

	// One extra row and column on each side absorbs rounding at cell edges.
	bottom := g.rowOf(p.Lat-deltaLat) - 1
	top := g.rowOf(p.Lat+deltaLat) + 1
	if bottom < 0 {
		bottom = 0
	}
	if top >= g.rows {
		top = g.rows - 1
	}
	center := g.rowOf(p.Lat)

	var s searchSpan
	s.rows = make([]searchRow, 0, top-bottom+1)
	for r := bottom; r <= top; r++ {
		var gap float64
		switch {
		case r > center:
			gap = g.rowSouth(r) - p.Lat
		case r < center:
			gap = p.Lat - g.rowSouth(r+1)
		}
		s.rows = append(s.rows, searchRow{index: r, bound: math.Max(0, gap) * metersPerDegree})
	}
	sort.Slice(s.rows, func(i, j int) bool { return s.rows[i].bound < s.rows[j].bound })

	// Longitude half-width of a spherical cap; a cap reaching a pole spans
	// every meridian.
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	if p.Lat+deltaLat >= 90 || p.Lat-deltaLat <= -90 || cosLat <= 0 || math.Sin(angular) >= cosLat {
		s.allCols = true
		return s
	}
	deltaLng := math.Asin(math.Sin(angular)/cosLat) * 180 / math.Pi
	first := int(math.Floor((p.Lng-deltaLng+180)/g.cellDeg)) - 1
	last := int(math.Floor((p.Lng+deltaLng+180)/g.cellDeg)) + 1
	s.width = last - first + 1
	if s.width >= g.cols {
		s.allCols = true
		return s
	}
	s.firstCol = g.wrapCol(first)
	return s
}

// rowBuckets returns the buckets of row inside span. It iterates whichever is
// smaller: the column range or the populated cells of the row.
func (g *GridIndex) rowBuckets(row int, s searchSpan) []*bucket {
	stripe := g.rowStripe(row)
	stripe.mu.RLock()
	defer stripe.mu.RUnlock()

	cells := stripe.rows[row]
	if len(cells) == 0 {
		return nil
	}
	var out []*bucket
	if s.allCols || s.width >= len(cells) {
		for col, b := range cells {
			if s.allCols || g.wrapCol(col-s.firstCol) < s.width {
				out = append(out, b)
			}
		}
		return out
	}
	for i := 0; i < s.width; i++ {
		if b, ok := cells[g.wrapCol(s.firstCol+i)]; ok {
			out = append(out, b)
		}
	}
	return out
}

// candidateHeap keeps the worst kept candidate at the root.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *candidateHeap) offer(c Candidate, limit int) {
	if h.Len() < limit {
		heap.Push(h, c)
		return
	}
	if closer(c, (*h)[0]) {
		(*h)[0] = c
		heap.Fix(h, 0)
	}
}

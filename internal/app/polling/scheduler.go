package polling

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dataforeman/connectivity/internal/domain"
)

// BatchReader is the device surface the scheduler needs.
type BatchReader interface {
	ReadBatch(ctx context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error)
	EstimateSize(tag domain.TagSubscription) int
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Tuning      domain.TuningParameters
	ReadTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// Emit receives accepted samples and shard failures, in production order.
	Emit func(domain.Observation)
}

// Scheduler is the multi-rate poll engine of one driver.
//
// Configuration setters may be called from any goroutine; they only mark the
// plan dirty. Tick must be called from a single goroutine and applies pending
// changes before selecting due groups, so a tick always runs on one consistent plan.
type Scheduler struct {
	reader BatchReader
	now    func() time.Time
	emit   func(domain.Observation)

	mu          sync.Mutex
	groups      map[int64]domain.PollGroup
	tags        map[int64]domain.TagSubscription
	tuning      domain.TuningParameters
	readTimeout time.Duration
	dirty       bool
	metrics     domain.SchedulerMetrics
	fillSum     float64
	fillCount   uint64
	wake        chan struct{}

	// owned by the ticking goroutine
	plans   map[int64]*groupPlan
	queue   planQueue
	filters map[int64]*changeState
	total   int
}

type groupPlan struct {
	group   domain.PollGroup
	shards  [][]domain.TagSubscription
	anchor  time.Time
	next    time.Time
	cursor  int
	elapsed time.Duration
	index   int
}

// NewScheduler builds an idle scheduler with no groups.
func NewScheduler(reader BatchReader, cfg SchedulerConfig) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Emit == nil {
		cfg.Emit = func(domain.Observation) {}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	tun := cfg.Tuning.Normalize()
	return &Scheduler{
		reader:      reader,
		now:         cfg.Now,
		emit:        cfg.Emit,
		groups:      make(map[int64]domain.PollGroup),
		tags:        make(map[int64]domain.TagSubscription),
		tuning:      tun,
		readTimeout: cfg.ReadTimeout,
		metrics:     domain.SchedulerMetrics{TuningParameters: tun, GroupLatencyMs: map[int64]float64{}},
		wake:        make(chan struct{}, 1),
		plans:       make(map[int64]*groupPlan),
		filters:     make(map[int64]*changeState),
	}
}

// Wake fires after any configuration change.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

func (s *Scheduler) markDirtyLocked() {
	s.dirty = true
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetPollGroups replaces the group table.
func (s *Scheduler) SetPollGroups(groups []domain.PollGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = make(map[int64]domain.PollGroup, len(groups))
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	s.markDirtyLocked()
}

// SetTags replaces the subscription set. The map key is authoritative for the
// tag's poll group. It returns the symmetric difference against the old set.
func (s *Scheduler) SetTags(tagsByGroup map[int64][]domain.TagSubscription) (added, removed []int64) {
	next := make(map[int64]domain.TagSubscription)
	for gid, bucket := range tagsByGroup {
		for _, t := range bucket {
			t.PollGroupID = gid
			next[t.TagID] = t
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range next {
		if _, ok := s.tags[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range s.tags {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	changed := len(added) > 0 || len(removed) > 0
	if !changed {
		for id, t := range next {
			if !sameSubscription(s.tags[id], t) {
				changed = true
				break
			}
		}
	}
	s.tags = next
	if changed {
		s.markDirtyLocked()
	}
	sortIDs(added)
	sortIDs(removed)
	return added, removed
}

// RemoveTag drops one tag; false when it was not scheduled.
func (s *Scheduler) RemoveTag(tagID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tagID]; !ok {
		return false
	}
	delete(s.tags, tagID)
	s.markDirtyLocked()
	return true
}

// ActiveTagIDs lists registered tags in ascending order.
func (s *Scheduler) ActiveTagIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.tags))
	for id := range s.tags {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// TagPaths returns the tag_id -> tag_path projection of the live set.
func (s *Scheduler) TagPaths() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.tags))
	for id, t := range s.tags {
		out[id] = t.TagPath
	}
	return out
}

// GroupCount is the number of active poll groups known to the scheduler.
func (s *Scheduler) GroupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.groups {
		if g.Active {
			n++
		}
	}
	return n
}

// UpdateTuning applies patch atomically and forces a reshard.
func (s *Scheduler) UpdateTuning(patch domain.TuningPatch) domain.TuningParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuning = patch.Apply(s.tuning)
	s.metrics.TuningParameters = s.tuning
	s.markDirtyLocked()
	return s.tuning
}

// Tuning returns the active tuning block.
func (s *Scheduler) Tuning() domain.TuningParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuning
}

// SetReadTimeout changes the per-read device timeout.
func (s *Scheduler) SetReadTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.readTimeout = d
	s.mu.Unlock()
}

// Metrics returns a copy of the counters.
func (s *Scheduler) Metrics() domain.SchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	m.GroupLatencyMs = make(map[int64]float64, len(s.metrics.GroupLatencyMs))
	for k, v := range s.metrics.GroupLatencyMs {
		m.GroupLatencyMs[k] = v
	}
	if s.fillCount > 0 {
		m.AvgBatchFill = s.fillSum / float64(s.fillCount)
	}
	return m
}

// NextDue reports the earliest group deadline. It is only meaningful from the
// ticking goroutine.
func (s *Scheduler) NextDue() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].next, true
}

// Tick applies pending configuration, reads due shards within this tick's
// budget and advances completed groups.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()

	s.mu.Lock()
	if s.dirty {
		s.rebuildLocked(start)
		s.dirty = false
	}
	tun := s.tuning
	readTimeout := s.readTimeout
	s.mu.Unlock()

	var due []*groupPlan
	for len(s.queue) > 0 && !s.queue[0].next.After(start) {
		due = append(due, heap.Pop(&s.queue).(*groupPlan))
	}

	budget := int(math.Ceil(float64(s.total) * tun.ShardBudgetFraction))
	if budget < tun.MinShardsPerTick {
		budget = tun.MinShardsPerTick
	}

	read := 0
	for read < budget {
		progressed := false
		for _, p := range due {
			if read >= budget || ctx.Err() != nil {
				break
			}
			if p.cursor >= len(p.shards) {
				continue
			}
			t0 := s.now()
			s.readShard(ctx, p, p.shards[p.cursor], tun, readTimeout)
			p.elapsed += s.now().Sub(t0)
			p.cursor++
			read++
			progressed = true
		}
		if !progressed || ctx.Err() != nil {
			break
		}
	}

	latencies := make(map[int64]float64)
	for _, p := range due {
		if p.cursor >= len(p.shards) {
			latencies[p.group.ID] = float64(p.elapsed) / float64(time.Millisecond)
			p.cursor = 0
			p.elapsed = 0
			p.next = alignNext(p.anchor, p.group.Interval(), start)
		}
		heap.Push(&s.queue, p)
	}

	s.mu.Lock()
	s.metrics.Ticks++
	s.metrics.ShardsPerTick = read
	s.metrics.TotalShards = s.total
	s.metrics.LastTickMs = float64(s.now().Sub(start)) / float64(time.Millisecond)
	for id, ms := range latencies {
		s.metrics.GroupLatencyMs[id] = ms
	}
	s.mu.Unlock()
}

// alignNext returns the first deadline after the most recent multiple of
// interval (counted from anchor) that is not after now. Missed cycles collapse.
func alignNext(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if now.Before(anchor) {
		return anchor.Add(interval)
	}
	n := now.Sub(anchor) / interval
	return anchor.Add((n + 1) * interval)
}

func (s *Scheduler) rebuildLocked(now time.Time) {
	byGroup := make(map[int64][]domain.TagSubscription)
	for _, t := range s.tags {
		byGroup[t.PollGroupID] = append(byGroup[t.PollGroupID], t)
	}

	plans := make(map[int64]*groupPlan)
	total := 0
	for gid, tags := range byGroup {
		g, ok := s.groups[gid]
		if !ok || !g.Active {
			continue
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i].TagID < tags[j].TagID })
		shards := buildShards(tags, s.tuning, s.reader.EstimateSize)
		p, existed := s.plans[gid]
		if !existed || p.group.PollRateMs != g.PollRateMs {
			p = &groupPlan{anchor: now, next: now}
		}
		p.group = g
		p.shards = shards
		if p.cursor > len(shards) {
			p.cursor = len(shards)
		}
		plans[gid] = p
		total += len(shards)
	}

	for id, f := range s.filters {
		t, ok := s.tags[id]
		if !ok || t.OnChange != f.cfg {
			delete(s.filters, id)
		}
	}

	s.plans = plans
	s.total = total
	s.queue = s.queue[:0]
	for _, p := range plans {
		s.queue = append(s.queue, p)
	}
	heap.Init(&s.queue)
}

type tagResult struct {
	tag domain.TagSubscription
	res domain.ReadResult
}

func (s *Scheduler) readShard(ctx context.Context, p *groupPlan, shard []domain.TagSubscription, tun domain.TuningParameters, timeout time.Duration) {
	s.mu.Lock()
	s.fillSum += float64(len(shard)) / float64(tun.MaxBatch)
	s.fillCount++
	s.mu.Unlock()

	results := s.readWithFallback(ctx, shard, tun, timeout, false)
	if ctx.Err() != nil {
		return
	}
	ts := s.now().UTC()
	interval := p.group.Interval()

	var itemErrs int
	var firstErr error
	for _, r := range results {
		if r.res.Pending {
			continue
		}
		if r.res.Err != nil {
			itemErrs++
			if firstErr == nil {
				firstErr = fmt.Errorf("tag %d (%s): %w", r.tag.TagID, r.tag.TagPath, r.res.Err)
			}
			continue
		}
		v := NormalizeValue(r.res.Value, r.tag.DataType)
		f, ok := s.filters[r.tag.TagID]
		if !ok {
			f = &changeState{cfg: r.tag.OnChange}
			s.filters[r.tag.TagID] = f
		}
		if !f.accept(v, ts, interval) {
			continue
		}
		s.emit(domain.Observation{Sample: domain.Sample{
			TagID:     r.tag.TagID,
			Timestamp: ts,
			Value:     v,
			Quality:   r.res.Quality,
		}})
	}
	if itemErrs > 0 {
		s.mu.Lock()
		s.metrics.SkippedTags += uint64(itemErrs)
		s.mu.Unlock()
		s.emit(domain.Observation{Err: domain.Transient("read", firstErr)})
	}
}

// readWithFallback issues one batched read; on failure it halves the shard
// until it is within the fallback sizes. Failing fallback-sized pieces are skipped.
func (s *Scheduler) readWithFallback(ctx context.Context, tags []domain.TagSubscription, tun domain.TuningParameters, timeout time.Duration, inFallback bool) []tagResult {
	if len(tags) == 0 || ctx.Err() != nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	res, err := s.reader.ReadBatch(rctx, tags)
	cancel()
	if err == nil && len(res) != len(tags) {
		err = fmt.Errorf("device returned %d results for %d tags", len(res), len(tags))
	}

	s.mu.Lock()
	s.metrics.ReadsAttempted++
	if err == nil {
		s.metrics.ReadsSucceeded++
	} else {
		s.metrics.ReadsFailed++
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		out := make([]tagResult, len(tags))
		for i := range tags {
			out[i] = tagResult{tag: tags[i], res: res[i]}
		}
		return out
	}

	atFloor := len(tags) == 1 || s.sessionDown(err) ||
		(inFallback && len(tags) <= tun.FallbackBatch && shardBytes(tags, tun, s.reader.EstimateSize) <= tun.FallbackByteBudget)
	if atFloor {
		s.mu.Lock()
		s.metrics.SkippedTags += uint64(len(tags))
		s.mu.Unlock()
		s.emit(domain.Observation{Err: domain.Transient(fmt.Sprintf("read %d tags", len(tags)), err)})
		return nil
	}

	s.mu.Lock()
	s.metrics.FallbackInvocations++
	s.mu.Unlock()

	mid := len(tags) / 2
	out := s.readWithFallback(ctx, tags[:mid], tun, timeout, true)
	return append(out, s.readWithFallback(ctx, tags[mid:], tun, timeout, true)...)
}

// sessionDown reports whether a failed read lost the session rather than
// exceeding a size limit. Halving cannot help then.
func (s *Scheduler) sessionDown(err error) bool {
	if errors.Is(err, domain.ErrNotConnected) {
		return true
	}
	c, ok := s.reader.(interface{ Connected() bool })
	return ok && !c.Connected()
}

func sameSubscription(a, b domain.TagSubscription) bool {
	return a.TagID == b.TagID && a.TagPath == b.TagPath && a.DataType == b.DataType &&
		a.PollGroupID == b.PollGroupID && a.OnChange == b.OnChange && a.TagName == b.TagName
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// planQueue orders groups by deadline, then group id.
type planQueue []*groupPlan

func (q planQueue) Len() int { return len(q) }

func (q planQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].group.ID < q[j].group.ID
	}
	return q[i].next.Before(q[j].next)
}

func (q planQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *planQueue) Push(x any) {
	p := x.(*groupPlan)
	p.index = len(*q)
	*q = append(*q, p)
}

func (q *planQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*q = old[:n-1]
	return p
}

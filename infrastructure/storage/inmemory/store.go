package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
)

const (
	// Default number of captured requests and exception occurrences kept.
	defaultRecordBufferSize = 1000
)

// --- Store Implementation ---

var _ domain.Store = (*Store)(nil)

type bucketID struct {
	routeID string
	key     metrics.BucketKey
}

// Store is a thread-safe in-memory data store for route statistics,
// recordings, captured requests and faults. Every mutation happens under a
// single lock, which makes each store operation atomic for the process.
type Store struct {
	mu sync.RWMutex

	routes     map[string]*metrics.RouteTemplate
	routeIDs   map[string]string
	routeOrder []string
	buckets    map[bucketID]*metrics.Statistic

	recordings     map[string]*metrics.RecordingRule
	recordingOrder []string

	requests   map[string]*metrics.RequestRecord
	responses  map[string]*metrics.ResponseRecord
	requestLog *ringBuffer[string]

	faults        map[string]*metrics.Fault
	faultIDs      map[metrics.FaultKey]string
	faultOrder    []string
	occurrences   map[string]*metrics.ExceptionOccurrence
	occurrenceLog *ringBuffer[string]

	newID func() string
}

// NewStore creates and initializes a new Store.
func NewStore() *Store {
	return NewStoreWithCapacity(defaultRecordBufferSize)
}

// NewStoreWithCapacity creates a Store that keeps at most capacity captured
// requests and capacity exception occurrences; the oldest are dropped.
func NewStoreWithCapacity(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultRecordBufferSize
	}
	return &Store{
		routes:        make(map[string]*metrics.RouteTemplate),
		routeIDs:      make(map[string]string),
		buckets:       make(map[bucketID]*metrics.Statistic),
		recordings:    make(map[string]*metrics.RecordingRule),
		requests:      make(map[string]*metrics.RequestRecord),
		responses:     make(map[string]*metrics.ResponseRecord),
		requestLog:    newRingBuffer[string](capacity),
		faults:        make(map[string]*metrics.Fault),
		faultIDs:      make(map[metrics.FaultKey]string),
		occurrences:   make(map[string]*metrics.ExceptionOccurrence),
		occurrenceLog: newRingBuffer[string](capacity),
		newID:         uuid.NewString,
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// --- Statistics ---

// UpsertRoute returns the existing route for the same method and template
// or stores a new one.
func (s *Store) UpsertRoute(_ context.Context, route metrics.RouteTemplate) (metrics.RouteTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.routeIDs[route.Key()]; ok {
		return *s.routes[id], nil
	}
	if route.ID == "" {
		route.ID = s.newID()
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now().UTC()
	}
	stored := route
	s.routes[route.ID] = &stored
	s.routeIDs[route.Key()] = route.ID
	s.routeOrder = append(s.routeOrder, route.ID)
	return route, nil
}

// IncrementBucket folds an increment into a bucket, rolling stale hour
// buckets over first.
func (s *Store) IncrementBucket(_ context.Context, routeID string, key metrics.BucketKey, day string, inc metrics.Increment, latency float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[routeID]; !ok {
		return domain.ErrNotFound
	}

	id := bucketID{routeID: routeID, key: key}
	b, ok := s.buckets[id]
	if !ok || b.Stale(day) {
		b = &metrics.Statistic{RouteID: routeID, Bucket: key, Day: day, CreatedAt: now}
		s.buckets[id] = b
	}
	b.AvgResponseTime = metrics.IncrementalAverage(b.AvgResponseTime, b.HTTPRequestsCount, latency)
	b.Apply(inc)
	b.UpdatedAt = now
	return nil
}

// ListRoutes returns all routes in creation order.
func (s *Store) ListRoutes(_ context.Context) ([]metrics.RouteTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routes := make([]metrics.RouteTemplate, 0, len(s.routeOrder))
	for _, id := range s.routeOrder {
		routes = append(routes, *s.routes[id])
	}
	return routes, nil
}

// GetRouteStatistics returns a copy of the buckets of one route.
func (s *Store) GetRouteStatistics(_ context.Context, routeID string) (*metrics.RouteStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	route, ok := s.routes[routeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	rs := &metrics.RouteStatistics{RouteTemplate: *route, Hourly: make(map[int]*metrics.Statistic)}
	if b, ok := s.buckets[bucketID{routeID: routeID, key: metrics.AllBucket}]; ok {
		all := *b
		rs.All = &all
	}
	for h := 0; h < metrics.HoursPerDay; h++ {
		if b, ok := s.buckets[bucketID{routeID: routeID, key: metrics.HourBucket(h)}]; ok {
			hour := *b
			rs.Hourly[h] = &hour
		}
	}
	return rs, nil
}

// HourlyStatistics returns copies of the hour buckets of the given routes.
func (s *Store) HourlyStatistics(_ context.Context, routeIDs ...string) ([]metrics.Statistic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(routeIDs))
	for _, id := range routeIDs {
		wanted[id] = true
	}
	var stats []metrics.Statistic
	for id, b := range s.buckets {
		if id.key.IsAll() {
			continue
		}
		if len(wanted) > 0 && !wanted[id.routeID] {
			continue
		}
		stats = append(stats, *b)
	}
	return stats, nil
}

// --- Recordings ---

// EnabledRecordings returns the enabled rules in creation order.
func (s *Store) EnabledRecordings(_ context.Context) ([]metrics.RecordingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []metrics.RecordingRule
	for _, id := range s.recordingOrder {
		if rule := s.recordings[id]; rule.Enabled {
			rules = append(rules, *rule)
		}
	}
	return rules, nil
}

// ListRecordings returns all rules in creation order.
func (s *Store) ListRecordings(_ context.Context) ([]metrics.RecordingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]metrics.RecordingRule, 0, len(s.recordingOrder))
	for _, id := range s.recordingOrder {
		rules = append(rules, *s.recordings[id])
	}
	return rules, nil
}

// GetRecording returns a copy of one rule.
func (s *Store) GetRecording(_ context.Context, id string) (*metrics.RecordingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.recordings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

// SaveRecording creates rule when its ID is empty or unknown, otherwise it
// replaces the header match and enabled flag of the stored rule.
func (s *Store) SaveRecording(_ context.Context, rule *metrics.RecordingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.recordings[rule.ID]; ok && rule.ID != "" {
		existing.HTTPHeader = rule.HTTPHeader
		existing.HTTPHeaderValue = rule.HTTPHeaderValue
		existing.Enabled = rule.Enabled
		existing.UpdatedAt = now
		*rule = *existing
		return nil
	}
	if rule.ID == "" {
		rule.ID = s.newID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	stored := *rule
	s.recordings[rule.ID] = &stored
	s.recordingOrder = append(s.recordingOrder, rule.ID)
	return nil
}

// DeleteRecording removes a rule. Captured requests keep their reference.
func (s *Store) DeleteRecording(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recordings[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.recordings, id)
	for i, rid := range s.recordingOrder {
		if rid == id {
			s.recordingOrder = append(s.recordingOrder[:i], s.recordingOrder[i+1:]...)
			break
		}
	}
	return nil
}

// --- Captured requests ---

// CreateRequest stores a captured request, dropping the oldest one when the
// buffer is full.
func (s *Store) CreateRequest(_ context.Context, req *metrics.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = s.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.UpdatedAt = req.CreatedAt
	stored := *req
	s.requests[req.ID] = &stored
	if evicted, ok := s.requestLog.add(req.ID); ok {
		if old := s.requests[evicted]; old != nil && old.ResponseID != "" {
			delete(s.responses, old.ResponseID)
		}
		delete(s.requests, evicted)
	}
	if rule, ok := s.recordings[req.RecordingID]; ok && req.RecordingID != "" {
		rule.RequestsCount++
	}
	return nil
}

// CreateResponse stores a captured response and back-propagates its
// response time onto the request.
func (s *Store) CreateResponse(_ context.Context, resp *metrics.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[resp.RequestID]
	if !ok {
		return domain.ErrNotFound
	}
	if resp.ID == "" {
		resp.ID = s.newID()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	resp.UpdatedAt = resp.CreatedAt
	resp.ResponseTime = resp.CreatedAt.Sub(req.CreatedAt).Seconds()

	stored := *resp
	s.responses[resp.ID] = &stored

	rt := resp.ResponseTime
	req.ResponseTime = &rt
	req.ResponseID = resp.ID
	req.UpdatedAt = resp.CreatedAt
	return nil
}

// GetRequest returns a copy of one captured request.
func (s *Store) GetRequest(_ context.Context, id string) (*metrics.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// GetResponse returns a copy of one captured response.
func (s *Store) GetResponse(_ context.Context, id string) (*metrics.ResponseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.responses[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *resp
	return &cp, nil
}

// ListRequests returns captured requests, newest first.
func (s *Store) ListRequests(_ context.Context, filter domain.RequestFilter) ([]metrics.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.requestLog.getAll()
	var out []metrics.RequestRecord
	for i := len(ids) - 1; i >= 0; i-- {
		req := s.requests[ids[i]]
		if req == nil {
			continue
		}
		if filter.RecordingID != "" && req.RecordingID != filter.RecordingID {
			continue
		}
		out = append(out, *req)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Faults ---

// UpsertFault creates or increments the fault identified by key.
func (s *Store) UpsertFault(_ context.Context, key metrics.FaultKey, message string, now time.Time) (metrics.Fault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.faultIDs[key]; ok {
		f := s.faults[id]
		f.ExceptionsCount++
		f.Message = message
		f.LastSeenAt = now
		f.UpdatedAt = now
		return *f, nil
	}
	f := &metrics.Fault{
		ID:              s.newID(),
		ExceptionClass:  key.ExceptionClass,
		FilePath:        key.FilePath,
		Line:            key.Line,
		Environment:     key.Environment,
		Message:         message,
		ExceptionsCount: 1,
		LastSeenAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.faults[f.ID] = f
	s.faultIDs[key] = f.ID
	s.faultOrder = append(s.faultOrder, f.ID)
	return *f, nil
}

// CreateOccurrence stores one exception occurrence.
func (s *Store) CreateOccurrence(_ context.Context, occ *metrics.ExceptionOccurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if occ.ID == "" {
		occ.ID = s.newID()
	}
	if occ.CreatedAt.IsZero() {
		occ.CreatedAt = time.Now().UTC()
	}
	stored := *occ
	s.occurrences[occ.ID] = &stored
	if evicted, ok := s.occurrenceLog.add(occ.ID); ok {
		delete(s.occurrences, evicted)
	}
	return nil
}

// GetFault returns a copy of one fault.
func (s *Store) GetFault(_ context.Context, id string) (*metrics.Fault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.faults[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// ListFaults returns all faults, most recently seen first.
func (s *Store) ListFaults(_ context.Context) ([]metrics.Fault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	faults := make([]metrics.Fault, 0, len(s.faultOrder))
	for _, id := range s.faultOrder {
		faults = append(faults, *s.faults[id])
	}
	sort.SliceStable(faults, func(i, j int) bool {
		return faults[i].LastSeenAt.After(faults[j].LastSeenAt)
	})
	return faults, nil
}

// SetFaultResolved flags a fault as resolved or unresolved.
func (s *Store) SetFaultResolved(_ context.Context, id string, resolved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.faults[id]
	if !ok {
		return domain.ErrNotFound
	}
	f.Resolved = resolved
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// ListOccurrences returns occurrences newest first.
func (s *Store) ListOccurrences(_ context.Context, faultID string) ([]metrics.ExceptionOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.occurrenceLog.getAll()
	var out []metrics.ExceptionOccurrence
	for i := len(ids) - 1; i >= 0; i-- {
		occ := s.occurrences[ids[i]]
		if occ == nil || (faultID != "" && occ.FaultID != faultID) {
			continue
		}
		out = append(out, *occ)
	}
	return out, nil
}

// GetOccurrence returns a copy of one occurrence.
func (s *Store) GetOccurrence(_ context.Context, id string) (*metrics.ExceptionOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	occ, ok := s.occurrences[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *occ
	return &cp, nil
}

// --- Ring Buffer for Records ---

// ringBuffer is a generic, thread-unsafe circular buffer.
// The locking must be handled by the parent (Store).
type ringBuffer[T any] struct {
	buffer []T
	size   int
	start  int
	count  int
}

// newRingBuffer creates a new ring buffer of a given size.
func newRingBuffer[T any](size int) *ringBuffer[T] {
	return &ringBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
}

// add inserts an element into the buffer, overwriting the oldest if full.
// The overwritten element is returned with ok set.
func (rb *ringBuffer[T]) add(item T) (evicted T, ok bool) {
	index := (rb.start + rb.count) % rb.size
	if rb.count < rb.size {
		rb.buffer[index] = item
		rb.count++
		return evicted, false
	}
	evicted = rb.buffer[index]
	rb.buffer[index] = item
	rb.start = (rb.start + 1) % rb.size
	return evicted, true
}

// getAll returns all elements in the buffer in order.
func (rb *ringBuffer[T]) getAll() []T {
	if rb.count == 0 {
		return nil
	}
	items := make([]T, rb.count)
	for i := 0; i < rb.count; i++ {
		items[i] = rb.buffer[(rb.start+i)%rb.size]
	}
	return items
}

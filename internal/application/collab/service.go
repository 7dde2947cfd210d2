package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/collabdocs/collabdocs/internal/api/wire"
	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

const (
	DefaultPollTimeout  = 5 * time.Minute
	DefaultStoreTimeout = 5 * time.Second
)

// Options tunes a Service.
type Options struct {
	HistoryLimit int
	PollTimeout  time.Duration
	StoreTimeout time.Duration
}

func (o Options) normalized() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = collab.DefaultHistoryLimit
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	return o
}

// Service owns the in-memory step log of every active document. Mutations
// of one document are serialized by that document's mutex; different
// documents proceed independently.
type Service struct {
	repo   collab.Repository
	model  collab.Model
	hub    collab.Broadcaster
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	docs  map[string]*instance
	loads singleflight.Group
}

type instance struct {
	id        string
	mu        sync.Mutex
	log       *collab.StepLog
	waiting   *waitQueue
	createdAt time.Time
	lastSeen  time.Time
	// dirty is set while the stored snapshot lags behind memory.
	dirty   bool
	evicted bool
}

// NewService creates a document service. hub may be nil.
func NewService(repo collab.Repository, model collab.Model, hub collab.Broadcaster, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		model:  model,
		hub:    hub,
		opts:   opts.normalized(),
		logger: logger.With().Str("service", "collab").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		docs:   make(map[string]*instance),
	}
}

// Model returns the document model the service applies steps with.
func (s *Service) Model() collab.Model { return s.model }

// DocumentState is the full state handed to a client that (re)starts.
type DocumentState struct {
	Doc     collab.Doc
	Version int
	Users   int
}

// Events is the batch of steps accepted after some version.
type Events struct {
	Version   int
	Steps     []collab.Step
	ClientIDs []int64
	Users     int
}

// SubmitInput is one batch of client steps.
type SubmitInput struct {
	DocumentID string
	Version    int
	Steps      []collab.Step
	ClientID   int64
	Observer   string
}

// DocumentSummary describes an active document.
type DocumentSummary struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Users   int    `json:"users"`
	Waiting int    `json:"waiting"`
}

// GetDocument returns the current document and registers observer.
func (s *Service) GetDocument(ctx context.Context, id, observer string) (*DocumentState, error) {
	inst, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer inst.mu.Unlock()

	inst.log.AddObserver(observer)
	return &DocumentState{
		Doc:     inst.log.Doc(),
		Version: inst.log.Version(),
		Users:   inst.log.ObserverCount(),
	}, nil
}

// GetSteps returns the steps accepted after version without waiting.
func (s *Service) GetSteps(ctx context.Context, id string, version int) (*Events, error) {
	inst, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer inst.mu.Unlock()
	return s.eventsLocked(inst, version)
}

// WaitForSteps returns the steps accepted after version. If the caller is
// caught up it blocks until a submission lands, the poll timeout elapses
// (an empty heartbeat batch) or ctx is done (no result).
func (s *Service) WaitForSteps(ctx context.Context, id string, version int, observer string) (*Events, error) {
	inst, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	inst.log.AddObserver(observer)
	ev, err := s.eventsLocked(inst, version)
	if err != nil || len(ev.Steps) > 0 {
		inst.mu.Unlock()
		return ev, err
	}

	w := newWaiter(version)
	inst.waiting.add(w)
	w.timer = time.AfterFunc(s.opts.PollTimeout, func() { s.expire(inst, w.id) })
	inst.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.events, res.err
	case <-ctx.Done():
		s.abandon(inst, w.id)
		return nil, ctx.Err()
	}
}

// SubmitSteps accepts a batch only if in.Version is the document's current
// version. On success the new version is returned, the snapshot is persisted
// and every pending long-poll of the document is released.
func (s *Service) SubmitSteps(ctx context.Context, in SubmitInput) (int, error) {
	inst, err := s.acquire(ctx, in.DocumentID)
	if err != nil {
		return 0, err
	}
	defer inst.mu.Unlock()

	version, err := inst.log.Append(s.model, in.Version, in.Steps, in.ClientID)
	if errors.Is(err, collab.ErrVersionConflict) {
		s.logger.Debug().Str("doc_id", inst.id).Int("client_version", in.Version).Int("version", version).Msg("version conflict")
		return version, err
	}
	if err != nil {
		s.logger.Error().Err(err).Str("doc_id", inst.id).Int64("client_id", in.ClientID).Msg("failed to apply steps")
		return version, err
	}
	inst.log.AddObserver(in.Observer)
	if len(in.Steps) == 0 {
		return version, nil
	}

	s.persist(ctx, inst)
	s.release(inst)
	s.broadcast(inst, in.ClientID, len(in.Steps))

	s.logger.Debug().Str("doc_id", inst.id).Int("version", version).Int("steps", len(in.Steps)).Int64("client_id", in.ClientID).Msg("steps accepted")
	return version, nil
}

// ListDocuments reports every document held in memory, sorted by id.
func (s *Service) ListDocuments() []DocumentSummary {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.docs))
	for _, inst := range s.docs {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	out := make([]DocumentSummary, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		out = append(out, DocumentSummary{
			ID:      inst.id,
			Version: inst.log.Version(),
			Users:   inst.log.ObserverCount(),
			Waiting: inst.waiting.len(),
		})
		inst.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictIdle drops documents untouched for ttl that have no pending polls
// and nothing left to persist. They are reloaded from the store on next use.
func (s *Service) EvictIdle(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, inst := range s.docs {
		inst.mu.Lock()
		if inst.waiting.len() == 0 && !inst.dirty && inst.lastSeen.Before(cutoff) {
			inst.evicted = true
			delete(s.docs, id)
			n++
		}
		inst.mu.Unlock()
	}
	if n > 0 {
		s.logger.Info().Int("evicted", n).Msg("evicted idle documents")
	}
	return n
}

// Shutdown answers every pending long-poll with a heartbeat.
func (s *Service) Shutdown() {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.docs))
	for _, inst := range s.docs {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	for _, inst := range insts {
		inst.mu.Lock()
		for _, w := range inst.waiting.drain() {
			w.resolve(s.heartbeatLocked(inst), nil)
		}
		inst.mu.Unlock()
	}
}

// acquire returns the instance for id with its mutex held.
func (s *Service) acquire(ctx context.Context, id string) (*instance, error) {
	id, err := collab.ValidateDocumentID(id)
	if err != nil {
		return nil, err
	}
	for {
		inst, err := s.instance(ctx, id)
		if err != nil {
			return nil, err
		}
		inst.mu.Lock()
		if !inst.evicted {
			inst.lastSeen = s.now()
			return inst, nil
		}
		inst.mu.Unlock()
	}
}

func (s *Service) instance(ctx context.Context, id string) (*instance, error) {
	s.mu.Lock()
	inst, ok := s.docs[id]
	s.mu.Unlock()
	if ok {
		return inst, nil
	}

	v, err, _ := s.loads.Do(id, func() (interface{}, error) {
		s.mu.Lock()
		if inst, ok := s.docs[id]; ok {
			s.mu.Unlock()
			return inst, nil
		}
		s.mu.Unlock()

		inst := s.load(ctx, id)
		s.mu.Lock()
		s.docs[id] = inst
		s.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*instance), nil
}

// load materializes a document from the store. It never fails: a broken or
// unreachable store degrades to a fresh in-memory document.
func (s *Service) load(ctx context.Context, id string) *instance {
	now := s.now()
	fresh := &instance{
		id:        id,
		log:       collab.NewStepLog(s.model.NewDoc(), s.opts.HistoryLimit),
		waiting:   newWaitQueue(),
		createdAt: now,
		lastSeen:  now,
	}

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	snap, err := s.repo.Load(lctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("doc_id", id).Msg("failed to load document, serving empty document")
		return fresh
	}
	if snap == nil {
		s.persist(ctx, fresh)
		s.logger.Info().Str("doc_id", id).Msg("created document")
		return fresh
	}

	log, err := collab.RestoreSnapshot(s.model, snap, s.opts.HistoryLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("doc_id", id).Msg("stored document is unreadable, serving empty document")
		return fresh
	}
	inst := &instance{
		id:        id,
		log:       log,
		waiting:   newWaitQueue(),
		createdAt: snap.CreatedAt,
		lastSeen:  now,
	}
	if inst.createdAt.IsZero() {
		inst.createdAt = now
	}
	s.logger.Info().Str("doc_id", id).Int("version", log.Version()).Int("steps", len(snap.Steps)).Msg("loaded document")
	return inst
}

// persist writes the instance snapshot. Failures are logged, not returned;
// callers hold inst.mu so writes land in version order.
func (s *Service) persist(ctx context.Context, inst *instance) {
	snap, err := inst.log.Snapshot(s.model, inst.id, inst.createdAt, s.now())
	if err != nil {
		inst.dirty = true
		s.logger.Error().Err(err).Str("doc_id", inst.id).Msg("failed to encode snapshot")
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()
	if err := s.repo.Save(pctx, snap); err != nil {
		inst.dirty = true
		if errors.Is(err, collab.ErrStaleSnapshot) {
			s.logger.Error().Err(err).Str("doc_id", inst.id).Int("version", snap.Version).Msg("store holds a newer version, keeping document in memory")
			return
		}
		s.logger.Error().Err(err).Str("doc_id", inst.id).Int("version", snap.Version).Msg("failed to save document")
		return
	}
	inst.dirty = false
}

func (s *Service) eventsLocked(inst *instance, version int) (*Events, error) {
	entries, err := inst.log.Since(version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %d, current %d", err, version, inst.log.Version())
	}
	ev := &Events{
		Version:   inst.log.Version(),
		Steps:     make([]collab.Step, 0, len(entries)),
		ClientIDs: make([]int64, 0, len(entries)),
		Users:     inst.log.ObserverCount(),
	}
	for _, e := range entries {
		ev.Steps = append(ev.Steps, e.Step)
		ev.ClientIDs = append(ev.ClientIDs, e.ClientID)
	}
	return ev, nil
}

func (s *Service) heartbeatLocked(inst *instance) *Events {
	return &Events{
		Version:   inst.log.Version(),
		Steps:     []collab.Step{},
		ClientIDs: []int64{},
		Users:     inst.log.ObserverCount(),
	}
}

// release resolves every pending long-poll with the steps it is missing.
func (s *Service) release(inst *instance) {
	for _, w := range inst.waiting.drain() {
		w.resolve(s.eventsLocked(inst, w.version))
	}
}

func (s *Service) expire(inst *instance, id uuid.UUID) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if w, ok := inst.waiting.take(id); ok {
		w.resolve(s.heartbeatLocked(inst), nil)
	}
}

func (s *Service) abandon(inst *instance, id uuid.UUID) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if w, ok := inst.waiting.take(id); ok {
		w.stop()
		s.logger.Debug().Str("doc_id", inst.id).Int("version", w.version).Msg("long poll abandoned")
	}
}

func (s *Service) broadcast(inst *instance, clientID int64, steps int) {
	if s.hub == nil {
		return
	}
	data, err := json.Marshal(wire.DocEvent{
		DocID:    inst.id,
		Version:  inst.log.Version(),
		Users:    inst.log.ObserverCount(),
		ClientID: clientID,
		Steps:    steps,
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(inst.id, "doc", data)
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dotsetgreg/dotmem/pkg/logger"
)

// Config configures the memory engine. Zero values fall back to defaults.
type Config struct {
	HotLimit            int
	WarmLimit           int
	CompactionThreshold int
	HotToWarmAge        time.Duration
	WarmToColdAge       time.Duration
	PromotionThreshold  int
	RetrievalLimit      int
	TopAccessedLimit    int

	// MaintenanceInterval drives the background migration pass.
	MaintenanceInterval time.Duration
	// AutosaveSchedule is a cron expression; empty disables autosave.
	AutosaveSchedule string
	// SaveFailureEscalation is the consecutive failure count from which save
	// errors log at ERROR instead of WARN.
	SaveFailureEscalation int
}

func DefaultConfig() Config {
	return Config{
		HotLimit:              100,
		WarmLimit:             500,
		CompactionThreshold:   1000,
		HotToWarmAge:          30 * time.Minute,
		WarmToColdAge:         24 * time.Hour,
		PromotionThreshold:    3,
		RetrievalLimit:        20,
		TopAccessedLimit:      10,
		MaintenanceInterval:   5 * time.Minute,
		AutosaveSchedule:      "*/5 * * * *",
		SaveFailureEscalation: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HotLimit <= 0 {
		c.HotLimit = d.HotLimit
	}
	if c.WarmLimit <= 0 {
		c.WarmLimit = d.WarmLimit
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = d.CompactionThreshold
	}
	if c.HotToWarmAge <= 0 {
		c.HotToWarmAge = d.HotToWarmAge
	}
	if c.WarmToColdAge <= 0 {
		c.WarmToColdAge = d.WarmToColdAge
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = d.PromotionThreshold
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = d.RetrievalLimit
	}
	if c.TopAccessedLimit <= 0 {
		c.TopAccessedLimit = d.TopAccessedLimit
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.SaveFailureEscalation <= 0 {
		c.SaveFailureEscalation = d.SaveFailureEscalation
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Engine is the tiered memory engine. One mutex serializes every mutation,
// retrieval, and snapshot; the background worker takes the same lock.
type Engine struct {
	cfg        Config
	clock      Clock
	classifier Classifier
	persister  Persister
	newID      func() string
	validate   *validator.Validate

	mu        sync.Mutex
	store     *TierStore
	migrator  *migrator
	compactor *compactor
	counters  Counters

	saveMu       sync.Mutex
	saveFailures int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		clock:      SystemClock{},
		classifier: NewKeywordClassifier(),
		newID:      newRecordID,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		store:      NewTierStore(),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.migrator = &migrator{store: e.store, cfg: &e.cfg}
	e.compactor = &compactor{store: e.store, newID: e.newID}
	return e
}

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "mem-" + uuid.NewString()
	}
	return "mem-" + id.String()
}

func (e *Engine) Config() Config { return e.cfg }

// AddMemory validates and enriches in, inserts it into the hot tier, and
// restores the hot capacity bound before returning.
func (e *Engine) AddMemory(in Input) (string, error) {
	if err := e.validateInput(in); err != nil {
		logger.WarnCF("memory", "Rejected memory input", map[string]any{
			"error": err.Error(),
		})
		return "", err
	}

	now := normalizeTime(e.clock.Now())
	platform := strings.TrimSpace(in.Platform)
	if platform == "" {
		platform = DefaultPlatform
	}
	r := &Record{
		ID:                  e.newID(),
		Kind:                KindEvent,
		CreatedAt:           now,
		LastAccessedAt:      now,
		EmotionalImportance: e.classifier.EmotionalImportance(in.Content, in.Context),
		Platform:            platform,
		PlatformSpecific:    e.classifier.IsPlatformSpecific(in.Content),
		InvolvedUsers:       uniqueUsers(in.InvolvedUsers),
		Content:             in.Content,
		Context:             in.Context,
		Category:            in.Category,
	}
	if len(in.Metadata) > 0 {
		r.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			r.Metadata[k] = v
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Add(r); err != nil {
		return "", err
	}
	if e.store.Len(TierHot) > e.cfg.HotLimit {
		e.maintainLocked(now)
	}

	logger.DebugCF("memory", "Memory added", map[string]any{
		"id":                r.ID,
		"platform":          r.Platform,
		"platform_specific": r.PlatformSpecific,
		"importance":        r.EmotionalImportance,
	})
	return r.ID, nil
}

func (e *Engine) validateInput(in Input) error {
	if err := e.validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			reason := fmt.Sprintf("failed %q constraint", fe.Tag())
			if fe.Param() != "" {
				reason = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
			}
			return &ValidationError{Field: fe.Namespace(), Reason: reason}
		}
		return &ValidationError{Reason: err.Error()}
	}
	if strings.TrimSpace(in.Content) == "" {
		return &ValidationError{Field: "Input.Content", Reason: "content is blank"}
	}
	return nil
}

func uniqueUsers(users []string) []string {
	if len(users) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RemoveMemory deletes id from whichever tier holds it.
func (e *Engine) RemoveMemory(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.store.Remove(id)
	if ok {
		logger.DebugCF("memory", "Memory removed", map[string]any{"id": id})
	}
	return ok
}

func (e *Engine) RemoveRecord(r Record) bool {
	return e.RemoveMemory(r.ID)
}

// Get returns a copy of the record with id.
func (e *Engine) Get(id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.store.Get(id)
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// List returns copies of the records in tier t, front to back.
func (e *Engine) List(t Tier) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := e.store.List(t)
	out := make([]Record, 0, len(live))
	for _, r := range live {
		out = append(out, r.Clone())
	}
	return out
}

func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := e.store.All()
	accessed := make([]AccessCount, 0, len(all))
	for _, r := range all {
		if r.AccessCount > 0 {
			accessed = append(accessed, AccessCount{ID: r.ID, Count: r.AccessCount})
		}
	}
	sort.SliceStable(accessed, func(i, j int) bool {
		return accessed[i].Count > accessed[j].Count
	})
	if len(accessed) > e.cfg.TopAccessedLimit {
		accessed = accessed[:e.cfg.TopAccessedLimit]
	}

	return Stats{
		TotalMemories: e.store.Total(),
		Tiers: TierCounts{
			Hot:  e.store.Len(TierHot),
			Warm: e.store.Len(TierWarm),
			Cold: e.store.Len(TierCold),
		},
		TopAccessed: accessed,
		Counters:    e.counters,
	}
}

// Maintain runs one migration pass, compacting when cold is over threshold.
func (e *Engine) Maintain() MaintenanceReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maintainLocked(normalizeTime(e.clock.Now()))
}

func (e *Engine) maintainLocked(now time.Time) MaintenanceReport {
	var rep MaintenanceReport
	rep.ToWarm, rep.ToCold = e.migrator.run(now)
	e.counters.Migrations += rep.ToWarm + rep.ToCold

	if e.store.Len(TierCold) > e.cfg.CompactionThreshold {
		res, err := e.compactor.run(now)
		if err != nil {
			logger.ErrorCF("memory", "Compaction abandoned", map[string]any{
				"error": err.Error(),
				"cold":  e.store.Len(TierCold),
			})
		} else {
			e.counters.Compactions++
			e.counters.CompressionsSaved += res.Saved
			rep.Compacted = res.Candidates - res.Unmodified
			rep.Summaries = len(res.Summaries)
			logger.InfoCF("memory", "Cold tier compacted", map[string]any{
				"candidates": res.Candidates,
				"summaries":  len(res.Summaries),
				"unmodified": res.Unmodified,
				"kept":       res.Kept,
				"saved":      res.Saved,
			})
		}
	}

	if rep.ToWarm > 0 || rep.ToCold > 0 {
		logger.DebugCF("memory", "Tier migration pass", map[string]any{
			"to_warm": rep.ToWarm,
			"to_cold": rep.ToCold,
			"hot":     e.store.Len(TierHot),
			"warm":    e.store.Len(TierWarm),
			"cold":    e.store.Len(TierCold),
		})
	}
	return rep
}

// CheckConsistency asserts tier exclusivity and summary provenance.
func (e *Engine) CheckConsistency() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Check(); err != nil {
		return err
	}
	claimedBy := map[string]string{}
	for _, r := range e.store.All() {
		if r.Kind != KindSummary {
			continue
		}
		if r.CompressedCount < minClusterSize || r.CompressedCount != len(r.OriginalIDs) {
			return &ConsistencyViolation{ID: r.ID, Detail: fmt.Sprintf("summary claims %d records, lists %d", r.CompressedCount, len(r.OriginalIDs))}
		}
		for _, id := range r.OriginalIDs {
			if owner, dup := claimedBy[id]; dup {
				return &ConsistencyViolation{ID: id, Detail: fmt.Sprintf("absorbed by both %s and %s", owner, r.ID)}
			}
			claimedBy[id] = r.ID
			if _, live := e.store.Get(id); live {
				return &ConsistencyViolation{ID: id, Detail: fmt.Sprintf("still live although absorbed by %s", r.ID)}
			}
		}
	}
	return nil
}

// Initialize loads the persisted snapshot and logs the resulting tier sizes.
// A load failure leaves the engine empty and usable.
func (e *Engine) Initialize(ctx context.Context) error {
	err := e.Load(ctx)
	stats := e.GetStats()
	logger.InfoCF("memory", "Memory engine initialized", map[string]any{
		"hot":   stats.Tiers.Hot,
		"warm":  stats.Tiers.Warm,
		"cold":  stats.Tiers.Cold,
		"total": stats.TotalMemories,
	})
	return err
}

// Load replaces the in-memory state with the persisted snapshot.
func (e *Engine) Load(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	snap, err := e.persister.Load(ctx)
	if err != nil {
		logger.WarnCF("memory", "Snapshot load failed, starting empty", map[string]any{
			"error": err.Error(),
		})
		e.mu.Lock()
		e.store.Reset()
		e.counters = Counters{}
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.applySnapshotLocked(snap)
	return nil
}

func (e *Engine) applySnapshotLocked(snap Snapshot) {
	e.store.Reset()
	e.counters = snap.Meta.Stats

	counts := make(map[string]int, len(snap.Meta.AccessCounts))
	for _, c := range snap.Meta.AccessCounts {
		counts[c.ID] = c.Count
	}
	accessed := make(map[string]time.Time, len(snap.Meta.LastAccessed))
	for _, a := range snap.Meta.LastAccessed {
		accessed[a.ID] = a.At
	}

	for _, t := range Tiers {
		for _, rec := range snap.Records(t) {
			r := rec.Clone()
			if c, ok := counts[r.ID]; ok {
				r.AccessCount = c
			}
			if at, ok := accessed[r.ID]; ok {
				r.LastAccessedAt = at
			}
			if r.Kind == "" {
				r.Kind = KindEvent
			}
			if r.Platform == "" {
				r.Platform = DefaultPlatform
			}
			r.CreatedAt = normalizeTime(r.CreatedAt)
			r.LastAccessedAt = normalizeTime(r.LastAccessedAt)
			if err := e.store.insert(t, &r); err != nil {
				logger.WarnCF("memory", "Skipping stored record", map[string]any{
					"id":    r.ID,
					"tier":  string(t),
					"error": err.Error(),
				})
			}
		}
	}
}

// Snapshot copies the current state under the lock.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	copyTier := func(t Tier) []Record {
		live := e.store.List(t)
		out := make([]Record, 0, len(live))
		for _, r := range live {
			out = append(out, r.Clone())
		}
		return out
	}
	return Snapshot{
		Hot:  copyTier(TierHot),
		Warm: copyTier(TierWarm),
		Cold: copyTier(TierCold),
		Meta: buildMetadata(e.store.All(), e.counters),
	}
}

// Save writes a snapshot through the persister. The state is copied under the
// engine lock and written outside it.
func (e *Engine) Save(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	snap := e.Snapshot()

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if err := e.persister.Save(ctx, snap); err != nil {
		e.saveFailures++
		fields := map[string]any{
			"error":                err.Error(),
			"consecutive_failures": e.saveFailures,
			"records":              snap.Len(),
		}
		if e.saveFailures >= e.cfg.SaveFailureEscalation {
			logger.ErrorCF("memory", "Snapshot save keeps failing", fields)
		} else {
			logger.WarnCF("memory", "Snapshot save failed", fields)
		}
		return err
	}
	if e.saveFailures > 0 {
		logger.InfoCF("memory", "Snapshot save recovered", map[string]any{
			"after_failures": e.saveFailures,
		})
	}
	e.saveFailures = 0
	return nil
}

// Start launches the background worker. It is a no-op after the first call.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.runWorker(ctx)
	})
}

// Close stops the worker, saves a final snapshot, and closes the persister.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		saveErr := e.Save(ctx)

		var closeErr error
		if e.persister != nil {
			closeErr = e.persister.Close()
		}
		e.closeErr = errors.Join(saveErr, closeErr)
	})
	return e.closeErr
}

func (e *Engine) runWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	autosave, stopAutosave := e.autosaveTimer()
	defer stopAutosave()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Maintain()
		case <-autosave:
			if err := e.Save(ctx); err == nil {
				logger.DebugC("memory", "Autosave completed")
			}
			autosave, stopAutosave = e.rearmAutosave(stopAutosave)
		}
	}
}

func (e *Engine) rearmAutosave(stop func()) (<-chan time.Time, func()) {
	stop()
	return e.autosaveTimer()
}

// autosaveTimer arms a timer for the next tick of the autosave schedule. A nil
// channel disables autosave.
func (e *Engine) autosaveTimer() (<-chan time.Time, func()) {
	if e.persister == nil || e.cfg.AutosaveSchedule == "" {
		return nil, func() {}
	}
	now := time.Now()
	if !gronx.New().IsValid(e.cfg.AutosaveSchedule) {
		logger.ErrorCF("memory", "Invalid autosave schedule, autosave disabled", map[string]any{
			"schedule": e.cfg.AutosaveSchedule,
		})
		return nil, func() {}
	}
	next, err := gronx.NextTickAfter(e.cfg.AutosaveSchedule, now, false)
	if err != nil {
		logger.ErrorCF("memory", "Autosave schedule has no next tick", map[string]any{
			"schedule": e.cfg.AutosaveSchedule,
			"error":    err.Error(),
		})
		return nil, func() {}
	}
	timer := time.NewTimer(next.Sub(now))
	return timer.C, func() { timer.Stop() }
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrygo/kbot/ai/cache"
	"github.com/hrygo/kbot/ai/internal/strutil"
)

// patternCacheSize bounds the compiled search patterns kept per store.
const patternCacheSize = 64

// ErrInvalidPattern is logged when a search pattern does not compile.
var ErrInvalidPattern = errors.New("invalid search pattern")

// ModelCallError reports a failed or timed-out model call. No context
// mutation happens when Chat returns it.
type ModelCallError struct {
	UserID   string
	RecordID string
	Err      error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed for user %s (record %s): %v", e.UserID, e.RecordID, e.Err)
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}

// Config configures a ContextStore.
type Config struct {
	// SystemPrompt heads every prompt. It does not count as a pair.
	SystemPrompt string
	// EnableContext turns history tracking on. When off, prompts carry only
	// the system prompt and the current message and nothing is stored.
	EnableContext bool
	// MaxPairs caps the active history per user (default 10).
	MaxPairs int
	// MaxRecords caps the record index per user; 0 keeps every record.
	MaxRecords int
	// RecordTTL drops records older than this; 0 keeps every record.
	RecordTTL time.Duration
	// ModelTimeout bounds a single model call; 0 leaves it to the session.
	ModelTimeout time.Duration
}

// DefaultConfig returns the default context configuration.
func DefaultConfig() Config {
	return Config{
		EnableContext: true,
		MaxPairs:      DefaultMaxPairs,
		ModelTimeout:  2 * time.Minute,
	}
}

// Option customizes a ContextStore.
type Option func(*ContextStore)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *ContextStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *ContextStore) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ContextStore) {
		if now != nil {
			s.now = now
		}
	}
}

type hookEntry struct {
	id   uint64
	hook EvictionHook
}

// HookHandle identifies a registered eviction hook.
type HookHandle struct {
	id    uint64
	store *ContextStore
}

// Remove unregisters the hook. It is safe to call more than once.
func (h HookHandle) Remove() {
	if h.store == nil {
		return
	}
	h.store.removeHook(h.id)
}

// ContextStore maps user ids to their ContextWindow and runs chat turns.
// Safe for concurrent use.
type ContextStore struct {
	cfg      Config
	session  ModelSession
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu      sync.RWMutex
	windows map[string]*ContextWindow

	patterns *cache.LRU[string, *regexp.Regexp]

	hookMu sync.Mutex
	hooks  atomic.Pointer[[]hookEntry]
	hookID uint64
}

// NewContextStore creates a store that answers through session.
func NewContextStore(session ModelSession, cfg Config, opts ...Option) *ContextStore {
	if cfg.MaxPairs <= 0 {
		cfg.MaxPairs = DefaultMaxPairs
	}
	s := &ContextStore{
		cfg:      cfg,
		session:  session,
		logger:   slog.Default(),
		observer: noopObserver{},
		now:      time.Now,
		windows:  make(map[string]*ContextWindow),
		patterns: cache.NewLRU[string, *regexp.Regexp](patternCacheSize),
	}
	empty := []hookEntry{}
	s.hooks.Store(&empty)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the store configuration.
func (s *ContextStore) Config() Config {
	return s.cfg
}

// window returns the user's window, creating it on first access.
func (s *ContextStore) window(userID string) *ContextWindow {
	s.mu.RLock()
	w, ok := s.windows[userID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[userID]; !ok {
		w = newContextWindow(s.cfg.MaxPairs)
		s.windows[userID] = w
	}
	return w
}

func (s *ContextStore) lookup(userID string) (*ContextWindow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[userID]
	return w, ok
}

// FormatPrompt builds the prompt for message on top of history.
// The layout is relied upon by downstream consumers:
//
//	<system prompt>\n\n
//	User: <u>\nAI: <a>\n\n      (once per history pair)
//	User: <message>\nAI:<space>
func FormatPrompt(systemPrompt string, history []Pair, message string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	for _, p := range history {
		b.WriteString("User: ")
		b.WriteString(p.User)
		b.WriteString("\nAI: ")
		b.WriteString(p.AI)
		b.WriteString("\n\n")
	}
	b.WriteString("User: ")
	b.WriteString(message)
	b.WriteString("\nAI: ")
	return b.String()
}

// Chat sends message for userID to the model and returns the response and
// the id of the record created for the exchange.
//
// On success, and when context tracking is enabled, the pair is appended to
// the user's window; pairs evicted by that append are fanned out to every
// hook before Chat returns. On failure nothing is stored.
func (s *ContextStore) Chat(ctx context.Context, userID, message string) (string, string, error) {
	start := time.Now()

	var (
		w       *ContextWindow
		history []Pair
	)
	if s.cfg.EnableContext {
		w = s.window(userID)
		w.turn.Lock()
		defer w.turn.Unlock()
		history = w.snapshot()
	}

	prompt := FormatPrompt(s.cfg.SystemPrompt, history, message)
	rec := newRecord(userID, prompt, s.now())

	callCtx := ctx
	if s.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.ModelTimeout)
		defer cancel()
	}

	response, err := s.session.Respond(callCtx, prompt)
	if err != nil {
		s.observer.ObserveChat(false, time.Since(start))
		return "", "", &ModelCallError{UserID: userID, RecordID: rec.ID, Err: err}
	}
	rec.complete(response, s.now())
	s.observer.ObserveChat(true, time.Since(start))

	if w == nil {
		return response, rec.ID, nil
	}

	evicted := w.addPair(message, response, rec)
	if len(evicted) > 0 {
		s.observer.ObserveEviction(len(evicted))
		s.runHooks(ctx, userID, evicted, rec.ID)
	}

	s.logger.Debug("memory: chat turn recorded",
		"user_id", userID,
		"record_id", rec.ID,
		"evicted", len(evicted),
		"duration_ms", rec.Duration.Milliseconds(),
		"response", strutil.Preview(response, 80),
	)
	return response, rec.ID, nil
}

// RegisterHook adds an eviction hook. Registering an equal comparable hook
// value again is a no-op and returns the original handle. Hooks have no
// ordering guarantee. A nil hook is ignored and yields a zero handle.
func (s *ContextStore) RegisterHook(hook EvictionHook) HookHandle {
	if hook == nil {
		return HookHandle{}
	}

	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	current := *s.hooks.Load()
	if reflect.TypeOf(hook).Comparable() {
		for _, e := range current {
			if reflect.TypeOf(e.hook) == reflect.TypeOf(hook) && e.hook == hook {
				return HookHandle{id: e.id, store: s}
			}
		}
	}

	s.hookID++
	next := make([]hookEntry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, hookEntry{id: s.hookID, hook: hook})
	s.hooks.Store(&next)
	return HookHandle{id: s.hookID, store: s}
}

func (s *ContextStore) removeHook(id uint64) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	current := *s.hooks.Load()
	next := make([]hookEntry, 0, len(current))
	for _, e := range current {
		if e.id != id {
			next = append(next, e)
		}
	}
	s.hooks.Store(&next)
}

// runHooks invokes every hook; a failing hook does not stop the others.
func (s *ContextStore) runHooks(ctx context.Context, userID string, evicted []Pair, recordID string) {
	for _, e := range *s.hooks.Load() {
		s.runHook(ctx, e.hook, userID, slices.Clone(evicted), recordID)
	}
}

func (s *ContextStore) runHook(ctx context.Context, hook EvictionHook, userID string, evicted []Pair, recordID string) {
	defer func() {
		if r := recover(); r != nil {
			s.observer.ObserveHookError()
			s.logger.Error("memory: eviction hook panicked",
				"user_id", userID,
				"record_id", recordID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := hook.OnEvict(ctx, userID, evicted, recordID); err != nil {
		s.observer.ObserveHookError()
		s.logger.Warn("memory: eviction hook failed",
			"user_id", userID,
			"record_id", recordID,
			"error", err,
		)
	}
}

// GetRecord returns a record of userID by id, including records whose pair
// has already been evicted from the window.
func (s *ContextStore) GetRecord(userID, recordID string) (*ConversationRecord, bool) {
	w, ok := s.lookup(userID)
	if !ok {
		return nil, false
	}
	return w.record(recordID)
}

// History returns a copy of the active window of userID.
func (s *ContextStore) History(userID string) []Pair {
	w, ok := s.lookup(userID)
	if !ok {
		return []Pair{}
	}
	return w.snapshot()
}

// Users lists the users that have a window, sorted.
func (s *ContextStore) Users() []string {
	s.mu.RLock()
	users := make([]string, 0, len(s.windows))
	for id := range s.windows {
		users = append(users, id)
	}
	s.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Search returns the records of userID whose prompt or response matches
// pattern. An invalid pattern is logged and yields an empty result.
func (s *ContextStore) Search(userID, pattern string) []*ConversationRecord {
	re, ok := s.compile(pattern)
	if !ok {
		return []*ConversationRecord{}
	}
	w, found := s.lookup(userID)
	if !found {
		return []*ConversationRecord{}
	}
	return matchRecords(w, re)
}

// SearchAll runs Search for every user and keeps users with matches.
func (s *ContextStore) SearchAll(pattern string) map[string][]*ConversationRecord {
	result := make(map[string][]*ConversationRecord)
	re, ok := s.compile(pattern)
	if !ok {
		return result
	}

	s.mu.RLock()
	windows := make(map[string]*ContextWindow, len(s.windows))
	for id, w := range s.windows {
		windows[id] = w
	}
	s.mu.RUnlock()

	for userID, w := range windows {
		if matches := matchRecords(w, re); len(matches) > 0 {
			result[userID] = matches
		}
	}
	return result
}

func (s *ContextStore) compile(pattern string) (*regexp.Regexp, bool) {
	re, err := s.patterns.GetOrCreate(pattern, regexp.Compile)
	if err != nil {
		s.logger.Warn("memory: search pattern rejected",
			"pattern", strutil.Preview(pattern, 80),
			"error", fmt.Errorf("%w: %w", ErrInvalidPattern, err),
		)
		return nil, false
	}
	return re, true
}

func matchRecords(w *ContextWindow, re *regexp.Regexp) []*ConversationRecord {
	matches := []*ConversationRecord{}
	for _, rec := range w.allRecords() {
		if re.MatchString(rec.ChatPrompt) || re.MatchString(rec.AIResponse) {
			matches = append(matches, rec)
		}
	}
	return matches
}

// Clear discards the window and record index of userID.
func (s *ContextStore) Clear(userID string) {
	if w, ok := s.lookup(userID); ok {
		w.clear()
	}
}

// ClearAll discards every window.
func (s *ContextStore) ClearAll() {
	s.mu.Lock()
	s.windows = make(map[string]*ContextWindow)
	s.mu.Unlock()
}

// PruneRecords applies MaxRecords and RecordTTL to every record index and
// returns the number of records dropped.
func (s *ContextStore) PruneRecords(now time.Time) int {
	if s.cfg.MaxRecords <= 0 && s.cfg.RecordTTL <= 0 {
		return 0
	}

	s.mu.RLock()
	windows := make([]*ContextWindow, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.mu.RUnlock()

	dropped := 0
	for _, w := range windows {
		dropped += w.pruneRecords(s.cfg.MaxRecords, s.cfg.RecordTTL, now)
	}
	return dropped
}

// RunJanitor prunes records every interval until ctx is cancelled.
// It returns nil on cancellation.
func (s *ContextStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.PruneRecords(s.now()); n > 0 {
				s.logger.Info("memory: pruned conversation records", "count", n)
			}
		}
	}
}

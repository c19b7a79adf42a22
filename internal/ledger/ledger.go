// Package ledger implements the persistent per-credential usage ledger of
// spec.md §3 and §4.B: calendar-day and cumulative counters, per-model
// cooldowns, failure streaks, and in-flight lease counting, with
// write-through-on-mutation JSON persistence debounced to coalesce bursts.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gcli2api/internal/classify"
)

// ErrNoCredentialsAvailable is returned by Acquire when the deadline in ctx
// elapses before any candidate becomes eligible (spec.md §4.B, §7).
var ErrNoCredentialsAvailable = errors.New("no_credentials_available")

// ModelCounters are the per-(credential,model) usage counters that appear
// identically in both the daily bucket and the cumulative global bucket.
type ModelCounters struct {
	SuccessCount     int64 `json:"success_count"`
	FailureCount     int64 `json:"failure_count"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// DayBucket is one calendar day of per-model counters.
type DayBucket struct {
	Date   string                     `json:"date"`
	Models map[string]*ModelCounters `json:"models"`
}

func newDayBucket(date string) DayBucket {
	return DayBucket{Date: date, Models: make(map[string]*ModelCounters)}
}

// FailureInfo tracks the current failure streak for one (credential,model).
type FailureInfo struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FirstFailureAt      int64  `json:"first_failure_at"`
	LastErrorKind       string `json:"last_error_kind"`
}

// Entry is the persisted state for a single credential.
type Entry struct {
	Daily  DayBucket            `json:"daily"`
	Global struct {
		Models map[string]*ModelCounters `json:"models"`
	} `json:"global"`
	History             map[string]DayBucket    `json:"history"`
	ModelCooldowns      map[string]int64        `json:"model_cooldowns"`
	Failures            map[string]*FailureInfo `json:"failures"`
	InFlight            map[string]int          `json:"in_flight"`
	LastDailyReset      string                  `json:"last_daily_reset"`
	LastSuccessAt       map[string]int64        `json:"last_success_at"`
	ProviderDisabledUntil int64                 `json:"provider_disabled_until,omitempty"`
}

func newEntry(today string) *Entry {
	e := &Entry{
		Daily:          newDayBucket(today),
		History:        make(map[string]DayBucket),
		ModelCooldowns: make(map[string]int64),
		Failures:       make(map[string]*FailureInfo),
		InFlight:       make(map[string]int),
		LastSuccessAt:  make(map[string]int64),
		LastDailyReset: today,
	}
	e.Global.Models = make(map[string]*ModelCounters)
	return e
}

// Options configures a Ledger.
type Options struct {
	Path            string
	RetentionDays   int
	PersistDebounce time.Duration
	Clock           func() time.Time
}

// Ledger is the atomic, persistent credential usage store. A single
// in-process mutex guards every mutation; persistence is write-through on
// mutation with a short debounce to coalesce bursts (spec.md §4.B).
type Ledger struct {
	mu      sync.Mutex
	notify  chan struct{}
	entries map[string]*Entry

	path          string
	retentionDays int
	clock         func() time.Time

	persistMu    sync.Mutex
	persistTimer *time.Timer
	debounce     time.Duration
}

// Open loads a Ledger from path, or starts an empty one if the file is
// absent or unreadable (spec.md §3 "Lifecycles").
func Open(opts Options) *Ledger {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.PersistDebounce <= 0 {
		opts.PersistDebounce = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := &Ledger{
		notify:        make(chan struct{}),
		entries:       make(map[string]*Entry),
		path:          opts.Path,
		retentionDays: opts.RetentionDays,
		clock:         opts.Clock,
		debounce:      opts.PersistDebounce,
	}
	if opts.Path == "" {
		return l
	}
	b, err := os.ReadFile(opts.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Warnf("[ledger] unreadable ledger file %s, starting empty: %v", opts.Path, err)
		}
		return l
	}
	var doc map[string]*Entry
	if err := json.Unmarshal(b, &doc); err != nil {
		logrus.Warnf("[ledger] corrupt ledger file %s, starting empty: %v", opts.Path, err)
		return l
	}
	for cred, e := range doc {
		if e.Global.Models == nil {
			e.Global.Models = make(map[string]*ModelCounters)
		}
		if e.History == nil {
			e.History = make(map[string]DayBucket)
		}
		if e.ModelCooldowns == nil {
			e.ModelCooldowns = make(map[string]int64)
		}
		if e.Failures == nil {
			e.Failures = make(map[string]*FailureInfo)
		}
		if e.InFlight == nil {
			e.InFlight = make(map[string]int)
		}
		if e.LastSuccessAt == nil {
			e.LastSuccessAt = make(map[string]int64)
		}
		l.entries[cred] = e
	}
	logrus.Infof("[ledger] loaded %d credential(s) from %s", len(l.entries), opts.Path)
	return l
}

func (l *Ledger) today() string {
	return l.clock().Format("2006-01-02")
}

// rolloverLocked archives the prior day under history (bounded by
// retention) and resets the daily bucket if the calendar day has turned
// over. Must be called with l.mu held. Invariant 3 of spec.md §3.
func (l *Ledger) rolloverLocked(e *Entry) {
	today := l.today()
	if e.Daily.Date == today {
		return
	}
	if e.Daily.Date != "" {
		e.History[e.Daily.Date] = e.Daily
	}
	e.Daily = newDayBucket(today)
	e.LastDailyReset = today
	if len(e.History) > l.retentionDays {
		dates := make([]string, 0, len(e.History))
		for d := range e.History {
			dates = append(dates, d)
		}
		sort.Strings(dates)
		for len(dates) > l.retentionDays {
			delete(e.History, dates[0])
			dates = dates[1:]
		}
	}
}

func (l *Ledger) getOrCreateLocked(credential string) *Entry {
	e, ok := l.entries[credential]
	if !ok {
		e = newEntry(l.today())
		l.entries[credential] = e
	}
	l.rolloverLocked(e)
	return e
}

func stableHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

type rankKey struct {
	inFlight    int
	consecutive int
	lastSuccess int64
	hash        uint64
}

func less(a, b rankKey) bool {
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	if a.consecutive != b.consecutive {
		return a.consecutive < b.consecutive
	}
	if a.lastSuccess != b.lastSuccess {
		return a.lastSuccess < b.lastSuccess
	}
	return a.hash < b.hash
}

// broadcastLocked wakes every Acquire waiter. Must be called with l.mu held.
func (l *Ledger) broadcastLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Acquire selects one eligible credential from candidates for model,
// increments its in-flight lease, and returns it. Eligibility and
// selection follow spec.md §4.B. Callers must pair a successful Acquire
// with exactly one Release.
func (l *Ledger) Acquire(ctx context.Context, candidates []string, model string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCredentialsAvailable
	}
	for {
		l.mu.Lock()
		now := l.clock()
		nowUnix := now.Unix()
		var best string
		var bestKey rankKey
		found := false
		var nextWake time.Time
		for _, cred := range candidates {
			e := l.getOrCreateLocked(cred)
			cdEnd := e.ModelCooldowns[model]
			disabledUntil := e.ProviderDisabledUntil
			wakeAt := cdEnd
			if disabledUntil > wakeAt {
				wakeAt = disabledUntil
			}
			if nowUnix < wakeAt {
				t := time.Unix(wakeAt, 0)
				if nextWake.IsZero() || t.Before(nextWake) {
					nextWake = t
				}
				continue
			}
			fi := e.Failures[model]
			consecutive := 0
			if fi != nil {
				consecutive = fi.ConsecutiveFailures
			}
			k := rankKey{
				inFlight:    e.InFlight[model],
				consecutive: consecutive,
				lastSuccess: e.LastSuccessAt[model],
				hash:        stableHash(cred),
			}
			if !found || less(k, bestKey) {
				found = true
				bestKey = k
				best = cred
			}
		}
		if found {
			l.entries[best].InFlight[model]++
			l.mu.Unlock()
			l.schedulePersist()
			return best, nil
		}
		ch := l.notify
		l.mu.Unlock()

		deadline, hasDeadline := ctx.Deadline()
		waitUntil := nextWake
		if hasDeadline && (waitUntil.IsZero() || deadline.Before(waitUntil)) {
			waitUntil = deadline
		}
		if waitUntil.IsZero() {
			// No cooldown info and no deadline: bound the poll so a
			// concurrently-added candidate is eventually noticed.
			waitUntil = now.Add(time.Second)
		}
		timer := time.NewTimer(time.Until(waitUntil))
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			if hasDeadline && !now.Before(deadline) {
				return "", ErrNoCredentialsAvailable
			}
		case <-ctx.Done():
			timer.Stop()
			return "", ErrNoCredentialsAvailable
		}
		if hasDeadline && !l.clock().Before(deadline) {
			return "", ErrNoCredentialsAvailable
		}
	}
}

// Release decrements the in-flight lease for (credential,model) and wakes
// any Acquire waiters. Invariant 1 of spec.md §3.
func (l *Ledger) Release(credential, model string) {
	l.mu.Lock()
	e := l.getOrCreateLocked(credential)
	if e.InFlight[model] > 0 {
		e.InFlight[model]--
	}
	l.broadcastLocked()
	l.mu.Unlock()
	l.schedulePersist()
}

// Usage carries optional token accounting observed on a successful call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// RecordSuccess records a successful call. Recording N successes with
// total usage U has the same cumulative effect as one success with usage
// U (spec.md §8 "Success idempotence").
func (l *Ledger) RecordSuccess(credential, model string, usage *Usage) {
	l.mu.Lock()
	e := l.getOrCreateLocked(credential)
	bumpCounters(e.Daily.Models, model, usage, true)
	bumpCounters(e.Global.Models, model, usage, true)
	if fi, ok := e.Failures[model]; ok {
		fi.ConsecutiveFailures = 0
	}
	e.LastSuccessAt[model] = l.clock().Unix()
	l.mu.Unlock()
	l.schedulePersist()
}

func bumpCounters(m map[string]*ModelCounters, model string, usage *Usage, success bool) {
	mc, ok := m[model]
	if !ok {
		mc = &ModelCounters{}
		m[model] = mc
	}
	if success {
		mc.SuccessCount++
	} else {
		mc.FailureCount++
	}
	if usage != nil {
		mc.PromptTokens += usage.PromptTokens
		mc.CompletionTokens += usage.CompletionTokens
	}
}

// RecordFailure records a classified failure, updates the failure streak,
// and extends (never shrinks) the (credential,model) cooldown per the
// table in spec.md §4.B. Invariant 2: cooldown end-times are monotone
// non-decreasing within a single failure event.
func (l *Ledger) RecordFailure(credential, model string, ce *classify.Error) {
	l.mu.Lock()
	e := l.getOrCreateLocked(credential)
	bumpCounters(e.Daily.Models, model, nil, false)
	bumpCounters(e.Global.Models, model, nil, false)

	fi, ok := e.Failures[model]
	if !ok {
		fi = &FailureInfo{}
		e.Failures[model] = fi
	}
	now := l.clock()
	fi.ConsecutiveFailures++
	if fi.ConsecutiveFailures == 1 {
		fi.FirstFailureAt = now.Unix()
	}
	fi.LastErrorKind = string(ce.Kind)

	cooldownSecs := cooldownFor(ce.Kind, ce.RetryAfterSecs, fi.ConsecutiveFailures)
	newEnd := now.Add(time.Duration(cooldownSecs) * time.Second).Unix()
	if newEnd > e.ModelCooldowns[model] {
		e.ModelCooldowns[model] = newEnd
	}
	if ce.Kind == classify.KindAuth {
		disabledEnd := now.Add(24 * time.Hour).Unix()
		if disabledEnd > e.ProviderDisabledUntil {
			e.ProviderDisabledUntil = disabledEnd
		}
	}
	l.broadcastLocked()
	l.mu.Unlock()
	l.schedulePersist()
}

// cooldownFor computes the cooldown duration in seconds from the table in
// spec.md §4.B. streak is the post-increment consecutive-failure count.
func cooldownFor(kind classify.Kind, hintSecs, streak int) int {
	switch kind {
	case classify.KindRateLimit:
		base := hintSecs
		if base < 15 {
			base = 15
		}
		jitter := 0.9 + rand.Float64()*0.2
		secs := float64(base) * jitter
		if secs > 3600 {
			secs = 3600
		}
		if streak >= 3 {
			secs = math.Min(secs*2, 24*3600)
		}
		return int(secs)
	case classify.KindServerError:
		secs := 60 * math.Pow(2, float64(streak-1))
		return int(math.Min(secs, 900))
	case classify.KindTimeout:
		secs := 30 * streak
		if secs > 300 {
			secs = 300
		}
		return secs
	case classify.KindTransport:
		secs := 10 * streak
		if secs > 120 {
			secs = 120
		}
		return secs
	case classify.KindAuth:
		return 86400
	case classify.KindUnknown:
		secs := 30 * math.Pow(2, float64(streak-1))
		return int(math.Min(secs, 600))
	case classify.KindBadRequest, classify.KindContextWindow:
		return 0
	default:
		return 0
	}
}

// schedulePersist arranges a debounced write-through flush; concurrent
// callers within the debounce window coalesce into a single write.
func (l *Ledger) schedulePersist() {
	if l.path == "" {
		return
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	if l.persistTimer != nil {
		return
	}
	l.persistTimer = time.AfterFunc(l.debounce, func() {
		l.persistMu.Lock()
		l.persistTimer = nil
		l.persistMu.Unlock()
		if err := l.Flush(); err != nil {
			logrus.Errorf("[ledger] flush failed: %v", err)
		}
	})
}

// Flush writes the ledger to disk immediately via temp file + fsync +
// rename. Safe to call concurrently with mutating operations.
func (l *Ledger) Flush() error {
	if l.path == "" {
		return nil
	}
	l.mu.Lock()
	b, err := json.MarshalIndent(l.entries, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("prepare ledger dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Close flushes any pending writes synchronously, for graceful shutdown.
func (l *Ledger) Close() error {
	l.persistMu.Lock()
	if l.persistTimer != nil {
		l.persistTimer.Stop()
		l.persistTimer = nil
	}
	l.persistMu.Unlock()
	return l.Flush()
}

// Snapshot is a read-only copy of one credential's ledger state, safe for
// observers (spec.md §9 "the ledger exposes only snapshot getters").
type Snapshot struct {
	Credential     string
	InFlight       map[string]int
	ModelCooldowns map[string]int64
	Failures       map[string]FailureInfo
	Daily          DayBucket
}

// Snapshots returns a point-in-time copy of every tracked credential.
func (l *Ledger) Snapshots() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Snapshot, 0, len(l.entries))
	for cred, e := range l.entries {
		s := Snapshot{
			Credential:     cred,
			InFlight:       cloneIntMap(e.InFlight),
			ModelCooldowns: cloneInt64Map(e.ModelCooldowns),
			Failures:       make(map[string]FailureInfo, len(e.Failures)),
			Daily:          e.Daily,
		}
		for k, v := range e.Failures {
			s.Failures[k] = *v
		}
		out = append(out, s)
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

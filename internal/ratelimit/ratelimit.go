// Package ratelimit implements the per-(device,user) sliding-window rate
// limiter and brute-force lockout guard described in spec §4.2. The
// mutex-guarded counter struct follows the same shape as the token-bucket
// limiter in _examples/other_examples's lesson12_rate_limiter.go, adapted
// from a single global bucket to a map of per-key attempt deques.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/doorcoordinator/doorserver/internal/config"
	"github.com/doorcoordinator/doorserver/internal/model"
)

// Deny reasons, named per spec §7's authorization-denial taxonomy.
const (
	ReasonLockedOut   = "locked_out"
	ReasonRateLimited = "rate_limited"
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed                bool
	Reason                 string
	RemainingLockoutSeconds int
}

// record is one retained attempt, per spec §3's Rate-Limit Attempt Record.
type record struct {
	command   model.Command
	timestamp time.Time
	success   bool
}

type key struct {
	deviceID string
	userID   string
}

// Measures are the go-kit metrics counters this limiter updates,
// following the metrics.Counter convention in the teacher's
// xhttp.RetryOptions.Counter.
type Measures struct {
	Allowed metrics.Counter
	Denied  metrics.Counter
	Lockouts metrics.Counter
}

// Options configures a Limiter using the teacher's defaulting-accessor
// pattern (device.Options in webpa-common/device/manager.go).
type Options struct {
	Config   config.RateLimitConfig
	Measures Measures
	Now      func() time.Time
}

func (o *Options) maxAttemptsPerMinute() int {
	if o == nil || o.Config.MaxAttemptsPerMinute <= 0 {
		return 10
	}
	return o.Config.MaxAttemptsPerMinute
}

func (o *Options) maxFailedAttempts() int {
	if o == nil || o.Config.MaxFailedAttempts <= 0 {
		return 5
	}
	return o.Config.MaxFailedAttempts
}

func (o *Options) lockoutDuration() time.Duration {
	if o == nil || o.Config.LockoutDuration <= 0 {
		return 60 * time.Second
	}
	return o.Config.LockoutDuration
}

func (o *Options) cleanupInterval() time.Duration {
	if o == nil || o.Config.CleanupInterval <= 0 {
		return 60 * time.Minute
	}
	return o.Config.CleanupInterval
}

func (o *Options) exemptAdmin() bool {
	return o != nil && o.Config.ExemptAdmin
}

func (o *Options) now() func() time.Time {
	if o == nil || o.Now == nil {
		return time.Now
	}
	return o.Now
}

func (o *Options) measures() Measures {
	if o == nil {
		return Measures{}
	}
	return o.Measures
}

// Limiter is the per-(device,user) sliding-window guard.
type Limiter struct {
	mu       sync.Mutex
	records  map[key][]record
	lastScan time.Time

	maxAttemptsPerMinute int
	maxFailedAttempts    int
	lockoutDuration      time.Duration
	cleanupInterval      time.Duration
	exemptAdmin          bool
	now                  func() time.Time
	measures             Measures
}

// New constructs a Limiter.
func New(o *Options) *Limiter {
	return &Limiter{
		records:              make(map[key][]record),
		maxAttemptsPerMinute: o.maxAttemptsPerMinute(),
		maxFailedAttempts:    o.maxFailedAttempts(),
		lockoutDuration:      o.lockoutDuration(),
		cleanupInterval:      o.cleanupInterval(),
		exemptAdmin:          o.exemptAdmin(),
		now:                  o.now(),
		measures:             o.measures(),
		lastScan:             o.now()(),
	}
}

// CleanupInterval reports the configured background cleanup cadence, for
// the caller that schedules the periodic sweep (internal/lifecycle).
func (l *Limiter) CleanupInterval() time.Duration { return l.cleanupInterval }

// Check evaluates whether (deviceID, userID) may attempt command right
// now, per the algorithm in spec §4.2: a lockout based on recent failures
// takes priority over the plain attempts-per-minute ceiling.
func (l *Limiter) Check(deviceID, userID string, command model.Command) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanupLocked(now)

	k := key{deviceID: deviceID, userID: userID}
	recs := l.records[k]

	if l.exemptAdmin && userID == model.AdminUserID {
		return Decision{Allowed: true}
	}

	failed := 0
	for _, r := range recs {
		if !r.success && now.Sub(r.timestamp) <= l.lockoutDuration {
			failed++
		}
	}

	if failed >= l.maxFailedAttempts {
		oldestWithinWindow := now
		for _, r := range recs {
			if !r.success && now.Sub(r.timestamp) <= l.lockoutDuration && r.timestamp.Before(oldestWithinWindow) {
				oldestWithinWindow = r.timestamp
			}
		}
		remaining := l.lockoutDuration - now.Sub(oldestWithinWindow)
		if remaining < 0 {
			remaining = 0
		}

		if l.measures.Lockouts != nil {
			l.measures.Lockouts.Add(1)
		}
		if l.measures.Denied != nil {
			l.measures.Denied.Add(1)
		}

		return Decision{
			Allowed:                 false,
			Reason:                  ReasonLockedOut,
			RemainingLockoutSeconds: int(remaining.Seconds() + 0.999),
		}
	}

	attemptsLastMinute := 0
	for _, r := range recs {
		if now.Sub(r.timestamp) <= time.Minute {
			attemptsLastMinute++
		}
	}

	if attemptsLastMinute >= l.maxAttemptsPerMinute {
		if l.measures.Denied != nil {
			l.measures.Denied.Add(1)
		}
		return Decision{Allowed: false, Reason: ReasonRateLimited}
	}

	if l.measures.Allowed != nil {
		l.measures.Allowed.Add(1)
	}
	return Decision{Allowed: true}
}

// Record appends the outcome of an attempt that has cleared or failed the
// Check above. It must be called exactly once per attempt that reached
// the Authorization Engine's rate-limit check.
func (l *Limiter) Record(deviceID, userID string, command model.Command, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{deviceID: deviceID, userID: userID}
	l.records[k] = append(l.records[k], record{
		command:   command,
		timestamp: l.now(),
		success:   success,
	})
}

// UserStatus reports the current counters for one (device,user) pair, the
// payload behind GET /api/security/rate_limiter/user_status.
type UserStatus struct {
	AttemptsLastMinute      int  `json:"attempts_last_minute"`
	FailedAttemptsRecent    int  `json:"failed_attempts_recent"`
	IsLockedOut             bool `json:"is_locked_out"`
	RemainingLockoutSeconds int  `json:"remaining_lockout_seconds"`
}

// UserStatus computes the UserStatus snapshot without recording an
// attempt.
func (l *Limiter) UserStatus(deviceID, userID string) UserStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recs := l.records[key{deviceID: deviceID, userID: userID}]

	status := UserStatus{}
	oldestFailure := now
	for _, r := range recs {
		if now.Sub(r.timestamp) <= time.Minute {
			status.AttemptsLastMinute++
		}
		if !r.success && now.Sub(r.timestamp) <= l.lockoutDuration {
			status.FailedAttemptsRecent++
			if r.timestamp.Before(oldestFailure) {
				oldestFailure = r.timestamp
			}
		}
	}

	if status.FailedAttemptsRecent >= l.maxFailedAttempts {
		status.IsLockedOut = true
		remaining := l.lockoutDuration - now.Sub(oldestFailure)
		if remaining < 0 {
			remaining = 0
		}
		status.RemainingLockoutSeconds = int(remaining.Seconds() + 0.999)
	}

	return status
}

// Stats aggregates counters across all keys for the last hour, the
// payload behind GET /api/security/rate_limiter/stats.
type Stats struct {
	TotalAttempts  int `json:"total_attempts"`
	TotalDenied    int `json:"total_denied"`
	TotalGranted   int `json:"total_granted"`
	TrackedKeys    int `json:"tracked_keys"`
	LockedOutUsers int `json:"locked_out_users"`
}

// Stats computes the aggregate Stats snapshot.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var s Stats
	s.TrackedKeys = len(l.records)

	for k, recs := range l.records {
		failed := 0
		for _, r := range recs {
			if now.Sub(r.timestamp) > time.Hour {
				continue
			}
			s.TotalAttempts++
			if r.success {
				s.TotalGranted++
			} else {
				s.TotalDenied++
				if now.Sub(r.timestamp) <= l.lockoutDuration {
					failed++
				}
			}
		}
		if failed >= l.maxFailedAttempts {
			s.LockedOutUsers++
		}
		_ = k
	}

	return s
}

// ClearAll wipes every retained record, the administrative "clear all"
// operation spec §4.2 calls out for operational recovery. It returns the
// number of attempt records discarded.
func (l *Limiter) ClearAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cleared := 0
	for _, recs := range l.records {
		cleared += len(recs)
	}
	l.records = make(map[key][]record)
	return cleared
}

// cleanupLocked drops records older than the retention window. Called
// opportunistically on every Check, and on a schedule via RunCleanup.
func (l *Limiter) cleanupLocked(now time.Time) {
	horizon := l.lockoutDuration
	if horizon < time.Minute {
		horizon = time.Minute
	}

	for k, recs := range l.records {
		kept := recs[:0]
		for _, r := range recs {
			if now.Sub(r.timestamp) <= horizon {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(l.records, k)
		} else {
			l.records[k] = kept
		}
	}

	l.lastScan = now
}

// RunCleanup performs the scheduled sweep described in spec §4.2, for use
// from a ticker owned by internal/lifecycle.
func (l *Limiter) RunCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupLocked(l.now())
}

// String is used in log lines identifying a (device,user) pair.
func (k key) String() string {
	return fmt.Sprintf("%s/%s", k.deviceID, k.userID)
}

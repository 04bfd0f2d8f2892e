// Package policy evaluates proposed payments against per-caller spend
// rules. All state is held in memory and mutated under a single lock, so
// the engine is safe for unbounded concurrent callers sharing a key.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Rules is the declarative rule set for one caller identity. Absent
// sections are unconstrained.
type Rules struct {
	Budget    *BudgetRule    `mapstructure:"budget" yaml:"budget"`
	VendorACL *VendorACLRule `mapstructure:"vendor_acl" yaml:"vendor_acl"`
	RateLimit *RateLimitRule `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// BudgetRule caps spend intent. Nil caps are unconstrained.
type BudgetRule struct {
	DailyCap      *decimal.Decimal `mapstructure:"daily_cap" yaml:"daily_cap"`
	WeeklyCap     *decimal.Decimal `mapstructure:"weekly_cap" yaml:"weekly_cap"`
	MaxPerRequest *decimal.Decimal `mapstructure:"max_per_request" yaml:"max_per_request"`
}

// VendorACLRule restricts which vendors a caller may pay. The deny list
// always wins. An allow list containing "*" is unconstrained.
type VendorACLRule struct {
	Allow []string `mapstructure:"allow" yaml:"allow"`
	Deny  []string `mapstructure:"deny" yaml:"deny"`
}

// RateLimitRule bounds request counts per fixed window. Zero means
// unconstrained.
type RateLimitRule struct {
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
	PerHour   int `mapstructure:"per_hour" yaml:"per_hour"`
}

// Rejection reasons returned on a failed check.
const (
	ReasonPerRequestCap  = "amount exceeds per-request cap"
	ReasonDailyBudget    = "daily budget exhausted"
	ReasonWeeklyBudget   = "weekly budget exhausted"
	ReasonVendorDenied   = "vendor is denied"
	ReasonVendorNotAllow = "vendor not in allow list"
	ReasonRateMinute     = "per-minute rate limit exceeded"
	ReasonRateHour       = "per-hour rate limit exceeded"
)

// Decision is the outcome of one evaluation. Reason is set only when
// Allowed is false.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func reject(reason string) Decision { return Decision{Reason: reason} }

type rateWindow struct {
	count   int
	resetAt time.Time
}

// callerState holds one caller's counters. Budget counters roll over on
// UTC day and ISO week boundaries; rate windows reset when now passes
// resetAt.
type callerState struct {
	dayKey    string
	spentDay  decimal.Decimal
	weekKey   string
	spentWeek decimal.Decimal
	minute    rateWindow
	hour      rateWindow
}

// Engine evaluates payments for many callers. Zero value is not usable,
// construct with NewEngine.
type Engine struct {
	mu    sync.Mutex
	rules map[string]Rules
	state map[string]*callerState
}

func NewEngine() *Engine {
	return &Engine{
		rules: make(map[string]Rules),
		state: make(map[string]*callerState),
	}
}

// SetRules installs or replaces the rule set for a caller. Counters
// accumulated under the previous rules are kept.
func (e *Engine) SetRules(callerID string, rules Rules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[callerID] = rules
}

// Evaluate checks a proposed payment in a fixed order: budget, vendor,
// rate limit. The first failing check sets the rejection reason. On
// allow, budget and rate counters are incremented immediately; a later
// settlement failure does not refund them. Spend intent is what is
// limited, not confirmed spend.
func (e *Engine) Evaluate(callerID string, amount decimal.Decimal, vendorID string, now time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := e.rules[callerID]
	st := e.stateFor(callerID, now)

	if rules.Budget != nil {
		b := rules.Budget
		if b.MaxPerRequest != nil && amount.GreaterThan(*b.MaxPerRequest) {
			return reject(ReasonPerRequestCap)
		}
		if b.DailyCap != nil && st.spentDay.Add(amount).GreaterThan(*b.DailyCap) {
			return reject(ReasonDailyBudget)
		}
		if b.WeeklyCap != nil && st.spentWeek.Add(amount).GreaterThan(*b.WeeklyCap) {
			return reject(ReasonWeeklyBudget)
		}
	}

	if rules.VendorACL != nil {
		acl := rules.VendorACL
		for _, v := range acl.Deny {
			if v == vendorID {
				return reject(ReasonVendorDenied)
			}
		}
		if len(acl.Allow) > 0 && !aclAllows(acl.Allow, vendorID) {
			return reject(ReasonVendorNotAllow)
		}
	}

	if rules.RateLimit != nil {
		rl := rules.RateLimit
		if rl.PerMinute > 0 && !admit(&st.minute, rl.PerMinute, now, time.Minute) {
			return reject(ReasonRateMinute)
		}
		if rl.PerHour > 0 && !admit(&st.hour, rl.PerHour, now, time.Hour) {
			// The minute counter already advanced for this request.
			// Counters track intent and are not refunded.
			return reject(ReasonRateHour)
		}
	}

	st.spentDay = st.spentDay.Add(amount)
	st.spentWeek = st.spentWeek.Add(amount)
	return allow
}

func (e *Engine) stateFor(callerID string, now time.Time) *callerState {
	st, ok := e.state[callerID]
	if !ok {
		st = &callerState{}
		e.state[callerID] = st
	}
	day := now.UTC().Format("2006-01-02")
	if st.dayKey != day {
		st.dayKey = day
		st.spentDay = decimal.Zero
	}
	week := isoWeekKey(now)
	if st.weekKey != week {
		st.weekKey = week
		st.spentWeek = decimal.Zero
	}
	return st
}

// admit applies the fixed-window rule: expire the window first, then
// count this request against the cap.
func admit(w *rateWindow, max int, now time.Time, window time.Duration) bool {
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(window)
	}
	if w.count+1 > max {
		return false
	}
	w.count++
	return true
}

func aclAllows(allowList []string, vendorID string) bool {
	for _, v := range allowList {
		if v == "*" || v == vendorID {
			return true
		}
	}
	return false
}

// isoWeekKey identifies the ISO week containing t. Weeks start on
// Monday UTC.
func isoWeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

var testNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func TestEvaluateUnconfiguredCallerAllowsEverything(t *testing.T) {
	e := NewEngine()
	d := e.Evaluate("caller-1", dec("1000000"), "any-vendor", testNow)
	assert.True(t, d.Allowed)
}

func TestEvaluateMaxPerRequest(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{Budget: &BudgetRule{MaxPerRequest: decPtr("1.50")}})

	assert.True(t, e.Evaluate("c", dec("1.50"), "v", testNow).Allowed)

	d := e.Evaluate("c", dec("1.51"), "v", testNow)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonPerRequestCap, d.Reason)
}

func TestEvaluateDailyBudget(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{Budget: &BudgetRule{DailyCap: decPtr("10")}})

	assert.True(t, e.Evaluate("c", dec("6"), "v", testNow).Allowed)
	assert.True(t, e.Evaluate("c", dec("4"), "v", testNow).Allowed)

	d := e.Evaluate("c", dec("0.01"), "v", testNow)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyBudget, d.Reason)

	// counters reset at the UTC day boundary
	nextDay := testNow.Add(24 * time.Hour)
	assert.True(t, e.Evaluate("c", dec("10"), "v", nextDay).Allowed)
}

func TestEvaluateWeeklyBudget(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{Budget: &BudgetRule{WeeklyCap: decPtr("10")}})

	assert.True(t, e.Evaluate("c", dec("10"), "v", testNow).Allowed)

	// next UTC day, same ISO week (Wednesday to Thursday)
	d := e.Evaluate("c", dec("1"), "v", testNow.Add(24*time.Hour))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonWeeklyBudget, d.Reason)

	// following Monday starts a new week
	monday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	assert.True(t, e.Evaluate("c", dec("1"), "v", monday).Allowed)
}

func TestEvaluateVendorACL(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{VendorACL: &VendorACLRule{
		Allow: []string{"api.vendor-a.com", "api.vendor-b.com"},
		Deny:  []string{"api.vendor-b.com"},
	}})

	assert.True(t, e.Evaluate("c", dec("1"), "api.vendor-a.com", testNow).Allowed)

	// deny wins over allow
	d := e.Evaluate("c", dec("1"), "api.vendor-b.com", testNow)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonVendorDenied, d.Reason)

	d = e.Evaluate("c", dec("1"), "api.vendor-c.com", testNow)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonVendorNotAllow, d.Reason)
}

func TestEvaluateVendorWildcard(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{VendorACL: &VendorACLRule{Allow: []string{"*"}, Deny: []string{"bad.example"}}})

	assert.True(t, e.Evaluate("c", dec("1"), "anything.example", testNow).Allowed)
	assert.False(t, e.Evaluate("c", dec("1"), "bad.example", testNow).Allowed)
}

func TestEvaluateRateLimitWindow(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{RateLimit: &RateLimitRule{PerMinute: 3}})

	for i := 0; i < 3; i++ {
		assert.True(t, e.Evaluate("c", dec("1"), "v", testNow).Allowed, "call %d", i+1)
	}
	d := e.Evaluate("c", dec("1"), "v", testNow)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonRateMinute, d.Reason)

	// still inside the window
	assert.False(t, e.Evaluate("c", dec("1"), "v", testNow.Add(59*time.Second)).Allowed)

	// window expired, counting restarts
	assert.True(t, e.Evaluate("c", dec("1"), "v", testNow.Add(61*time.Second)).Allowed)
}

func TestEvaluateCheckOrder(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{
		Budget:    &BudgetRule{MaxPerRequest: decPtr("1")},
		VendorACL: &VendorACLRule{Deny: []string{"bad.example"}},
		RateLimit: &RateLimitRule{PerMinute: 1},
	})

	// budget is checked before vendor
	d := e.Evaluate("c", dec("5"), "bad.example", testNow)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonPerRequestCap, d.Reason)

	// vendor is checked before rate limit
	d = e.Evaluate("c", dec("1"), "bad.example", testNow)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonVendorDenied, d.Reason)
}

func TestEvaluateRejectionDoesNotSpendBudget(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{
		Budget:    &BudgetRule{DailyCap: decPtr("10")},
		VendorACL: &VendorACLRule{Deny: []string{"bad.example"}},
	})

	for i := 0; i < 5; i++ {
		assert.False(t, e.Evaluate("c", dec("10"), "bad.example", testNow).Allowed)
	}
	assert.True(t, e.Evaluate("c", dec("10"), "ok.example", testNow).Allowed)
}

func TestEvaluateDailyCapHoldsUnderConcurrency(t *testing.T) {
	e := NewEngine()
	e.SetRules("c", Rules{Budget: &BudgetRule{DailyCap: decPtr("10")}})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Evaluate("c", dec("1"), "v", testNow).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestCallersAreIsolated(t *testing.T) {
	e := NewEngine()
	e.SetRules("a", Rules{Budget: &BudgetRule{DailyCap: decPtr("1")}})
	e.SetRules("b", Rules{Budget: &BudgetRule{DailyCap: decPtr("1")}})

	assert.True(t, e.Evaluate("a", dec("1"), "v", testNow).Allowed)
	assert.False(t, e.Evaluate("a", dec("1"), "v", testNow).Allowed)
	assert.True(t, e.Evaluate("b", dec("1"), "v", testNow).Allowed)
}

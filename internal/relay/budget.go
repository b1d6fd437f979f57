package relay

import (
	"math/big"
	"sync"
	"time"
)

// dailyBudget caps native gas handed out per UTC day.
type dailyBudget struct {
	mu           sync.Mutex
	limit        *big.Int // nil or zero disables the cap
	spent        *big.Int
	lastResetDay string // YYYY-MM-DD
	now          func() time.Time
}

func newDailyBudget(limit *big.Int, now func() time.Time) *dailyBudget {
	return &dailyBudget{limit: limit, spent: big.NewInt(0), now: now}
}

// resetIfNewDay must be called with b.mu held.
func (b *dailyBudget) resetIfNewDay() {
	today := b.now().UTC().Format("2006-01-02")
	if b.lastResetDay != today {
		b.spent = big.NewInt(0)
		b.lastResetDay = today
	}
}

// reserve books amount against today's budget, or fails without booking.
func (b *dailyBudget) reserve(amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewDay()
	if b.limit == nil || b.limit.Sign() == 0 {
		b.spent = new(big.Int).Add(b.spent, amount)
		return nil
	}
	newTotal := new(big.Int).Add(b.spent, amount)
	if newTotal.Cmp(b.limit) > 0 {
		return ErrDailyLimitExceeded
	}
	b.spent = newTotal
	return nil
}

// release returns a reservation whose transaction was never sent.
func (b *dailyBudget) release(amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewDay()
	b.spent = new(big.Int).Sub(b.spent, amount)
	if b.spent.Sign() < 0 {
		b.spent = big.NewInt(0)
	}
}

// usage returns today's spend and the configured limit.
func (b *dailyBudget) usage() (spent, limit *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewDay()
	spent = new(big.Int).Set(b.spent)
	limit = new(big.Int)
	if b.limit != nil {
		limit.Set(b.limit)
	}
	return spent, limit
}

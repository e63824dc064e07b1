// Property-based tests for the purchase money math. These run against pure
// models of the pricing and hold logic, no database involved.
package service

import (
	"testing"

	"pgregory.net/rapid"
)

// TestUnitPricesConservationProperty checks that splitting a discounted total
// across line items never creates or destroys money: the unit prices always
// sum back to the total, and the remainder lands on the first item only.
func TestUnitPricesConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.Int64Range(0, 10_000_000).Draw(t, "total")
		quantity := rapid.IntRange(1, 1000).Draw(t, "quantity")

		prices := unitPrices(total, quantity)

		if len(prices) != quantity {
			t.Fatalf("expected %d prices, got %d", quantity, len(prices))
		}

		var sum int64
		for _, p := range prices {
			if p < 0 {
				t.Fatalf("negative unit price %d for total=%d quantity=%d", p, total, quantity)
			}
			sum += p
		}
		if sum != total {
			t.Fatalf("prices sum to %d, want %d", sum, total)
		}

		// Every item after the first carries exactly total/quantity
		unit := total / int64(quantity)
		for i := 1; i < quantity; i++ {
			if prices[i] != unit {
				t.Fatalf("price[%d] = %d, want %d", i, prices[i], unit)
			}
		}
	})
}

// simulateDiscount mirrors the arithmetic of PromoDiscounter.Discount for an
// active, unexpired code with activations remaining.
func simulateDiscount(total int64, percent int, amount int64) int64 {
	discount := total*int64(percent)/100 + amount
	if discount > total {
		discount = total
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

// TestDiscountClampProperty checks that a discount never exceeds the total
// and never goes negative, so the charged amount stays within [0, total] for
// any percent/amount combination.
func TestDiscountClampProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.Int64Range(0, 10_000_000).Draw(t, "total")
		percent := rapid.IntRange(0, 100).Draw(t, "percent")
		amount := rapid.Int64Range(-1000, 1_000_000).Draw(t, "amount")

		discount := simulateDiscount(total, percent, amount)

		if discount < 0 {
			t.Fatalf("discount %d is negative", discount)
		}
		if discount > total {
			t.Fatalf("discount %d exceeds total %d", discount, total)
		}
		charged := total - discount
		if charged < 0 || charged > total {
			t.Fatalf("charged %d out of range [0, %d]", charged, total)
		}
	})
}

// holdModel is a pure model of one user's balance and the balance holds the
// purchase flow takes against it. Completing a hold consumes it; cancelling
// returns the money.
type holdModel struct {
	balance int64
	holds   map[int64]int64
	nextID  int64
	spent   int64
}

func newHoldModel(balance int64) *holdModel {
	return &holdModel{balance: balance, holds: make(map[int64]int64)}
}

func (m *holdModel) start(amount int64) (int64, bool) {
	if amount < 0 || m.balance < amount {
		return 0, false
	}
	m.balance -= amount
	m.nextID++
	m.holds[m.nextID] = amount
	return m.nextID, true
}

func (m *holdModel) complete(id int64) bool {
	amount, ok := m.holds[id]
	if !ok {
		return false
	}
	delete(m.holds, id)
	m.spent += amount
	return true
}

func (m *holdModel) cancel(id int64) bool {
	amount, ok := m.holds[id]
	if !ok {
		return false
	}
	delete(m.holds, id)
	m.balance += amount
	return true
}

func (m *holdModel) held() int64 {
	var sum int64
	for _, a := range m.holds {
		sum += a
	}
	return sum
}

// TestBalanceHoldConservationProperty drives random sequences of
// start/complete/cancel against the hold model and checks the money
// accounting after every step: balance never goes negative, and
// balance + held + spent always equals the initial balance.
func TestBalanceHoldConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Int64Range(0, 1_000_000).Draw(t, "initial")
		m := newHoldModel(initial)
		var open []int64

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.IntRange(0, 2).Draw(t, "op")
			switch op {
			case 0:
				amount := rapid.Int64Range(0, 10_000).Draw(t, "amount")
				before := m.balance
				id, ok := m.start(amount)
				if ok {
					if m.balance != before-amount {
						t.Fatalf("start debited %d, want %d", before-m.balance, amount)
					}
					open = append(open, id)
				} else if amount <= before {
					t.Fatalf("start rejected amount %d with balance %d", amount, before)
				}
			case 1:
				if len(open) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(open)-1).Draw(t, "idx")
				id := open[idx]
				if !m.complete(id) {
					t.Fatalf("complete failed for open hold %d", id)
				}
				if m.complete(id) {
					t.Fatalf("hold %d completed twice", id)
				}
				open = append(open[:idx], open[idx+1:]...)
			case 2:
				if len(open) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(open)-1).Draw(t, "idx")
				id := open[idx]
				before := m.balance
				if !m.cancel(id) {
					t.Fatalf("cancel failed for open hold %d", id)
				}
				if m.balance <= before-1 {
					t.Fatalf("cancel did not restore balance")
				}
				if m.cancel(id) {
					t.Fatalf("hold %d cancelled twice", id)
				}
				open = append(open[:idx], open[idx+1:]...)
			}

			if m.balance < 0 {
				t.Fatalf("balance went negative: %d", m.balance)
			}
			if m.balance+m.held()+m.spent != initial {
				t.Fatalf("money not conserved: balance=%d held=%d spent=%d initial=%d",
					m.balance, m.held(), m.spent, initial)
			}
		}
	})
}

package payout

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"pgregory.net/rapid"
)

func stakes(amounts ...int64) []Stake {
	out := make([]Stake, len(amounts))
	for i, a := range amounts {
		out[i] = Stake{ID: fmt.Sprintf("s%d", i+1), Amount: a}
	}
	return out
}

func sum(amounts []Stake) int64 {
	var total int64
	for _, s := range amounts {
		total += s.Amount
	}
	return total
}

// --- Worked examples ---

func TestCompute_ReferenceScenario(t *testing.T) {
	// Pool 1000; outcome A holds 300 (100 + 200), outcome B holds 700.
	got, err := Compute(1000, 300, stakes(100, 200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].Winnings != 333 {
		t.Errorf("expected first stake to win 333, got %d", got[0].Winnings)
	}
	if got[1].Winnings != 667 {
		t.Errorf("expected largest stake to win 667 (666 + remainder 1), got %d", got[1].Winnings)
	}
	if Total(got) != 1000 {
		t.Errorf("expected pool of 1000 to be fully distributed, got %d", Total(got))
	}
}

func TestCompute_SingleWinnerTakesPool(t *testing.T) {
	got, err := Compute(500, 50, stakes(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Winnings != 500 {
		t.Errorf("expected sole winner to take 500, got %+v", got)
	}
}

func TestCompute_NoLosingPoolReturnsStakes(t *testing.T) {
	got, err := Compute(600, 600, stakes(100, 200, 300))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, want := range []int64{100, 200, 300} {
		if got[i].Winnings != want {
			t.Errorf("stake %d: expected %d, got %d", i, want, got[i].Winnings)
		}
	}
}

func TestCompute_TieGoesToFirstLargest(t *testing.T) {
	// losing = 101, each bonus floor(50.5) = 50, remainder 1.
	got, err := Compute(301, 200, stakes(100, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].Winnings != 151 || got[1].Winnings != 150 {
		t.Errorf("expected [151 150], got [%d %d]", got[0].Winnings, got[1].Winnings)
	}
}

func TestCompute_PreservesInputOrderAndIDs(t *testing.T) {
	in := []Stake{{ID: "b", Amount: 5}, {ID: "a", Amount: 10}, {ID: "c", Amount: 1}}
	got, err := Compute(100, 16, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range in {
		if got[i].ID != in[i].ID {
			t.Errorf("position %d: expected id %s, got %s", i, in[i].ID, got[i].ID)
		}
	}
}

func TestCompute_EmptyStakes(t *testing.T) {
	got, err := Compute(1000, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil payouts for no winners, got %+v", got)
	}
}

func TestCompute_LargeValuesDoNotOverflow(t *testing.T) {
	// losingPool * amount is far beyond int64 here.
	big := int64(math.MaxInt64 / 4)
	got, err := Compute(big*2, big, stakes(big/3, big-big/3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Total(got) != big*2 {
		t.Errorf("expected %d distributed, got %d", big*2, Total(got))
	}
}

// --- Precondition violations ---

func TestCompute_InvalidInput(t *testing.T) {
	tests := []struct {
		name         string
		pool, winTot int64
		stakes       []Stake
	}{
		{"zero amount", 100, 0, stakes(0)},
		{"negative amount", 100, -5, stakes(-5)},
		{"total mismatch", 100, 40, stakes(10, 20)},
		{"winning exceeds pool", 20, 30, stakes(10, 20)},
		{"negative pool", -1, 10, stakes(10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.pool, tt.winTot, tt.stakes)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRefund(t *testing.T) {
	got := Refund(stakes(7, 3))
	if len(got) != 2 || got[0].Winnings != 7 || got[1].Winnings != 3 {
		t.Errorf("expected stakes returned unchanged, got %+v", got)
	}
	if Refund(nil) != nil {
		t.Error("expected nil refund for no stakes")
	}
}

// --- Properties ---

type scenario struct {
	stakes []Stake
	losing int64
}

func drawScenario(t *rapid.T) scenario {
	n := rapid.IntRange(1, 25).Draw(t, "n")
	s := make([]Stake, n)
	for i := range s {
		s[i] = Stake{
			ID:     fmt.Sprintf("s%d", i),
			Amount: rapid.Int64Range(1, 1_000_000).Draw(t, fmt.Sprintf("amount-%d", i)),
		}
	}
	return scenario{
		stakes: s,
		losing: rapid.Int64Range(0, 10_000_000).Draw(t, "losing"),
	}
}

func TestProperty_PoolConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sc := drawScenario(t)
		winTotal := sum(sc.stakes)
		pool := winTotal + sc.losing

		got, err := Compute(pool, winTotal, sc.stakes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if Total(got) != pool {
			t.Fatalf("distributed %d, pool %d", Total(got), pool)
		}
		for i, p := range got {
			if p.Winnings < sc.stakes[i].Amount {
				t.Fatalf("stake %s lost coins: staked %d, won %d", p.ID, sc.stakes[i].Amount, p.Winnings)
			}
		}
	})
}

func TestProperty_RemainderGoesToLargestStake(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sc := drawScenario(t)
		winTotal := sum(sc.stakes)
		pool := winTotal + sc.losing

		got, err := Compute(pool, winTotal, sc.stakes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Values stay small enough for int64 here.
		floors := make([]int64, len(sc.stakes))
		var floorSum int64
		largest := 0
		for i, s := range sc.stakes {
			floors[i] = s.Amount + sc.losing*s.Amount/winTotal
			floorSum += floors[i]
			if s.Amount > sc.stakes[largest].Amount {
				largest = i
			}
		}
		r := pool - floorSum
		if r < 0 || r >= int64(len(sc.stakes)) {
			t.Fatalf("remainder %d out of range for %d stakes", r, len(sc.stakes))
		}

		for i, p := range got {
			want := floors[i]
			if i == largest {
				want += r
			}
			if p.Winnings != want {
				t.Fatalf("stake %d: expected %d, got %d (remainder %d, largest %d)", i, want, p.Winnings, r, largest)
			}
		}
	})
}

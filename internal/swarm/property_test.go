package swarm

import (
	"context"
	"log/slog"
	"math"
	"testing"

	"pgregory.net/rapid"

	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/store"
)

func newRapidService(t *rapid.T) (*Service, *store.Store) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	log := slog.New(slog.DiscardHandler)
	h := hub.New(log)
	t.Cleanup(h.Close)
	return New(log, st, h, nil), st
}

// Two decay passes with rates r1 then r2 scale intensities exactly like
// one pass with rate 1-(1-r1)(1-r2), removals aside.
func TestDecayComposition(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, st := newRapidService(t)
		ctx := context.Background()
		sw, err := svc.Create(ctx, "hive", "", 0)
		if err != nil {
			t.Fatalf("create swarm: %v", err)
		}

		n := rapid.IntRange(1, 8).Draw(t, "trails")
		intensities := make([]float64, n)
		for i := range intensities {
			intensities[i] = rapid.Float64Range(0.1, 10).Draw(t, "intensity")
			if err := st.DepositPheromone(ctx, store.Pheromone{
				ID: rapid.StringMatching(`[a-z]{12}`).Draw(t, "id"), SwarmID: sw.ID,
				DepositorHandle: "a", ResourceID: rapid.StringMatching(`res-[0-9]{4}`).Draw(t, "res"),
				ResourceType: "file", TrailType: "visit",
				Intensity: intensities[i], CreatedAt: int64(i),
			}); err != nil {
				t.Fatalf("deposit: %v", err)
			}
		}

		r1 := rapid.Float64Range(0.01, 0.9).Draw(t, "r1")
		r2 := rapid.Float64Range(0.01, 0.9).Draw(t, "r2")

		// minIntensity 0 so no trail evaporates mid-composition.
		if _, err := svc.ProcessDecay(ctx, sw.ID, r1, 0); err != nil {
			t.Fatalf("decay r1: %v", err)
		}
		if _, err := svc.ProcessDecay(ctx, sw.ID, r2, 0); err != nil {
			t.Fatalf("decay r2: %v", err)
		}

		got, err := st.ListPheromones(ctx, sw.ID, store.PheromoneFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		combined := 1 - (1-r1)*(1-r2)
		total := 0.0
		for _, in := range intensities {
			total += in * (1 - combined)
		}
		gotTotal := 0.0
		for _, p := range got {
			gotTotal += p.Intensity
		}
		if math.Abs(gotTotal-total) > 1e-6 {
			t.Fatalf("composed decay mismatch: got total %f want %f", gotTotal, total)
		}
	})
}

// A transfer conserves the combined balance and fails atomically on
// insufficient funds.
func TestTransferConservesBalance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, _ := newRapidService(t)
		ctx := context.Background()
		sw, err := svc.Create(ctx, "hive", "", 0)
		if err != nil {
			t.Fatalf("create swarm: %v", err)
		}

		seedA := rapid.Float64Range(0, 100).Draw(t, "seedA")
		seedB := rapid.Float64Range(0, 100).Draw(t, "seedB")
		if seedA > 0 {
			if _, err := svc.RecordTransaction(ctx, sw.ID, "a", store.TxEarn, seedA, "seed"); err != nil {
				t.Fatalf("seed a: %v", err)
			}
		}
		if seedB > 0 {
			if _, err := svc.RecordTransaction(ctx, sw.ID, "b", store.TxEarn, seedB, "seed"); err != nil {
				t.Fatalf("seed b: %v", err)
			}
		}

		amount := rapid.Float64Range(0.01, 150).Draw(t, "amount")
		err = svc.Transfer(ctx, sw.ID, "a", "b", amount, "test")
		if amount > seedA {
			if fault.KindOf(err) != fault.KindInsufficientBalance {
				t.Fatalf("overdraw should fail with InsufficientBalance, got %v", err)
			}
		} else if err != nil {
			t.Fatalf("transfer: %v", err)
		}

		a, err := svc.Account(ctx, sw.ID, "a")
		if err != nil {
			t.Fatalf("account a: %v", err)
		}
		b, err := svc.Account(ctx, sw.ID, "b")
		if err != nil {
			t.Fatalf("account b: %v", err)
		}
		if math.Abs((a.Balance+b.Balance)-(seedA+seedB)) > 1e-9 {
			t.Fatalf("combined balance drifted: %f + %f != %f", a.Balance, b.Balance, seedA+seedB)
		}
		if a.Balance < -1e-9 {
			t.Fatalf("account a overdrawn: %f", a.Balance)
		}
	})
}

// Accepting one of n pending bids leaves exactly one accepted and n-1
// rejected, and never disturbs bids on other tasks.
func TestAcceptBidPartitionsField(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, _ := newRapidService(t)
		ctx := context.Background()
		sw, err := svc.Create(ctx, "hive", "", 0)
		if err != nil {
			t.Fatalf("create swarm: %v", err)
		}

		n := rapid.IntRange(1, 10).Draw(t, "bids")
		for i := 0; i < n; i++ {
			if _, err := svc.SubmitBid(ctx, store.Bid{
				SwarmID: sw.ID, TaskID: "T",
				BidderHandle: rapid.StringMatching(`agent-[0-9a-f]{8}`).Draw(t, "bidder"),
				Amount:       rapid.Float64Range(0, 50).Draw(t, "amount"),
				Confidence:   rapid.Float64Range(0, 1).Draw(t, "conf"),
			}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
		// A bid on another task must not be touched.
		other, err := svc.SubmitBid(ctx, store.Bid{
			SwarmID: sw.ID, TaskID: "other", BidderHandle: "bystander", Amount: 1,
		})
		if err != nil {
			t.Fatalf("submit other: %v", err)
		}

		pending, err := svc.ListBids(ctx, "T", store.BidPending)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		pick := pending[rapid.IntRange(0, len(pending)-1).Draw(t, "pick")]
		if _, err := svc.AcceptBid(ctx, pick.ID); err != nil {
			t.Fatalf("accept: %v", err)
		}

		all, err := svc.ListBids(ctx, "T", "")
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		accepted, rejected := 0, 0
		for _, b := range all {
			switch b.Status {
			case store.BidAccepted:
				accepted++
				if b.ID != pick.ID {
					t.Fatalf("wrong bid accepted: %s", b.ID)
				}
			case store.BidRejected:
				rejected++
			default:
				t.Fatalf("bid %s left %s", b.ID, b.Status)
			}
		}
		if accepted != 1 || rejected != len(all)-1 {
			t.Fatalf("partition broken: %d accepted, %d rejected of %d", accepted, rejected, len(all))
		}

		bystander, err := svc.ListBids(ctx, "other", "")
		if err != nil {
			t.Fatalf("list other: %v", err)
		}
		if len(bystander) != 1 || bystander[0].ID != other.ID || bystander[0].Status != store.BidPending {
			t.Fatalf("unrelated bid disturbed: %+v", bystander)
		}
	})
}

package api

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
)

func newTestSnapshots(store *fakeStore, tokens *fakeTokens) *SnapshotBuilder {
	if tokens == nil {
		tokens = &fakeTokens{}
	}
	return NewSnapshotBuilder(store, tokens, clock.NewFixed(fixedNow), zerolog.Nop())
}

func TestForWalletUnknownReturnsNil(t *testing.T) {
	snapshots := newTestSnapshots(&fakeStore{}, nil)

	snapshot, err := snapshots.ForWallet(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("ForWallet returned error: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("snapshot for unknown wallet = %+v, want nil", snapshot)
	}
}

func TestForUserReadsTodayBalance(t *testing.T) {
	user := testUser(1, testWallet)
	endBalance := database.Amount(2.25)
	store := &fakeStore{
		daily: map[string]*database.PnlRecord{
			// fixedNow is 2024-07-15 in the reference timezone.
			testWallet + "/2024-07-15": {
				ID:            3,
				WalletAddress: testWallet,
				StartBalance:  2,
				EndBalance:    &endBalance,
				RealizedPnl:   0.25,
				TotalTrades:   2,
			},
		},
	}
	snapshots := newTestSnapshots(store, nil)

	snapshot, err := snapshots.ForUser(context.Background(), user)
	if err != nil {
		t.Fatalf("ForUser returned error: %v", err)
	}
	if snapshot.DailyPnl == nil || snapshot.DailyPnl.ID != 3 {
		t.Fatalf("daily pnl not attached: %+v", snapshot.DailyPnl)
	}
	if snapshot.Balance != 2.25 {
		t.Errorf("balance = %v, want 2.25", snapshot.Balance)
	}
	if snapshot.LastTrade != nil {
		t.Errorf("lastTrade = %+v, want nil", snapshot.LastTrade)
	}
}

func TestForUserBalanceZeroBeforeFirstRow(t *testing.T) {
	snapshots := newTestSnapshots(&fakeStore{}, nil)

	snapshot, err := snapshots.ForUser(context.Background(), testUser(1, testWallet))
	if err != nil {
		t.Fatalf("ForUser returned error: %v", err)
	}
	if snapshot.Balance != 0 {
		t.Errorf("balance = %v, want 0", snapshot.Balance)
	}
	if snapshot.DailyPnl != nil {
		t.Errorf("dailyPnl = %+v, want nil", snapshot.DailyPnl)
	}
}

func TestAllUsersSkipsBrokenSnapshot(t *testing.T) {
	store := &fakeStore{
		users:        []*database.User{testUser(1, testWallet), testUser(2, testWalletB)},
		latestErrFor: map[string]error{testWallet: errors.New("connection reset")},
	}
	snapshots := newTestSnapshots(store, nil)

	list, err := snapshots.AllUsers(context.Background())
	if err != nil {
		t.Fatalf("AllUsers returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("snapshot count = %d, want 1", len(list))
	}
	if list[0].User.WalletAddress != testWalletB {
		t.Errorf("surviving snapshot wallet = %s, want %s", list[0].User.WalletAddress, testWalletB)
	}
}

func TestAllUsersFailsWhenListFails(t *testing.T) {
	store := &fakeStore{usersErr: errors.New("connection refused")}
	snapshots := newTestSnapshots(store, nil)

	if _, err := snapshots.AllUsers(context.Background()); err == nil {
		t.Fatal("expected error when user listing fails")
	}
}

func TestWithTokenMetaSharesSameMintLookup(t *testing.T) {
	tokens := &fakeTokens{tokens: map[string]*database.Token{
		testMintA: {Address: testMintA, Symbol: "USDC"},
	}}
	snapshots := newTestSnapshots(&fakeStore{}, tokens)

	view := snapshots.withTokenMeta(context.Background(), &database.Trade{
		TokenA: testMintA,
		TokenB: testMintA,
	})
	if view.TokenAMeta == nil || view.TokenBMeta == nil {
		t.Fatal("token meta missing for same-mint legs")
	}
	if view.TokenAMeta != view.TokenBMeta {
		t.Error("same-mint legs resolved to different meta objects")
	}
}

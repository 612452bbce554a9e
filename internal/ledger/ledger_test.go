package ledger_test

import (
	"testing"

	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.UserSpotKey(userID, testutil.SOLIndex)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:spot:1"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewPerpSystemAccountKey(3, ledger.SubTypeSystemInsuranceFund)
	if path := key.AccountPath(); path != "system:perp-3:insurance_fund:0" {
		t.Errorf("got %q, want %q", path, "system:perp-3:insurance_fund:0")
	}

	key = ledger.NewSpotSystemAccountKey(1, ledger.SubTypeSystemSocializedLoss)
	if path := key.AccountPath(); path != "system:spot-1:socialized_loss:1" {
		t.Errorf("got %q, want %q", path, "system:spot-1:socialized_loss:1")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, 1)
	if path := key.AccountPath(); path != "external:swap:1" {
		t.Errorf("got %q, want %q", path, "external:swap:1")
	}
}

func TestAccountKey_PerpAccountsHoldQuote(t *testing.T) {
	user := ledger.UserPerpPnlKey(uuid.New(), 7)
	if got := user.Currency(); got != ledger.AssetID(state.QuoteSpotMarketIndex) {
		t.Errorf("perp pnl currency = %d, want quote", got)
	}
	pool := ledger.NewPerpSystemAccountKey(7, ledger.SubTypeSystemPnlPool)
	if got := pool.Currency(); got != ledger.AssetID(state.QuoteSpotMarketIndex) {
		t.Errorf("perp pool currency = %d, want quote", got)
	}
	spot := ledger.NewSpotSystemAccountKey(testutil.SOLIndex, ledger.SubTypeSystemInsuranceFund)
	if got := spot.Currency(); got != ledger.AssetID(testutil.SOLIndex) {
		t.Errorf("spot insurance currency = %d, want %d", got, testutil.SOLIndex)
	}
}

// ============================================================================
// Test: spot balances
// ============================================================================

func TestUpdateSpotBalance_DepositAndWithdraw(t *testing.T) {
	m := testutil.NewUSDCMarket()
	pos := &state.SpotPosition{MarketIndex: m.MarketIndex}

	if err := ledger.UpdateSpotBalance(testutil.USDC(1_000), pos, m); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if pos.BalanceType != state.SpotBalanceDeposit {
		t.Errorf("balance type = %s, want deposit", pos.BalanceType)
	}
	if err := ledger.UpdateSpotBalance(-testutil.USDC(400), pos, m); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	got, err := ledger.GetSignedTokenAmount(pos, m)
	if err != nil {
		t.Fatal(err)
	}
	if got != testutil.USDC(600) {
		t.Errorf("balance = %d, want %d", got, testutil.USDC(600))
	}
	if m.DepositBalance != pos.ScaledBalance {
		t.Errorf("market deposits %d != position %d", m.DepositBalance, pos.ScaledBalance)
	}
}

func TestUpdateSpotBalance_FlipsToBorrow(t *testing.T) {
	m := testutil.NewUSDCMarket()
	pos := &state.SpotPosition{MarketIndex: m.MarketIndex}

	if err := ledger.UpdateSpotBalance(testutil.USDC(100), pos, m); err != nil {
		t.Fatal(err)
	}
	if err := ledger.UpdateSpotBalance(-testutil.USDC(150), pos, m); err != nil {
		t.Fatal(err)
	}

	if pos.BalanceType != state.SpotBalanceBorrow {
		t.Fatalf("balance type = %s, want borrow", pos.BalanceType)
	}
	got, err := ledger.GetSignedTokenAmount(pos, m)
	if err != nil {
		t.Fatal(err)
	}
	if got != -testutil.USDC(50) {
		t.Errorf("balance = %d, want %d", got, -testutil.USDC(50))
	}
	if m.DepositBalance != 0 {
		t.Errorf("deposit pool = %d, want 0", m.DepositBalance)
	}
	if m.BorrowBalance != 50_000_000_000 {
		t.Errorf("borrow pool = %d, want 50e9", m.BorrowBalance)
	}
}

func TestUpdateSpotBalance_RoundsAgainstAccount(t *testing.T) {
	m := testutil.NewUSDCMarket()
	m.CumulativeDepositInterest = fpmath.CumulativeInterestPrecision * 3 / 2
	m.CumulativeBorrowInterest = fpmath.CumulativeInterestPrecision * 3 / 2

	deposit := &state.SpotPosition{MarketIndex: m.MarketIndex}
	if err := ledger.UpdateSpotBalance(1, deposit, m); err != nil {
		t.Fatal(err)
	}
	if got, _ := ledger.GetTokenAmount(deposit, m); got > 1 {
		t.Errorf("deposit of 1 reads %d", got)
	}

	borrow := &state.SpotPosition{MarketIndex: m.MarketIndex}
	if err := ledger.UpdateSpotBalance(-1, borrow, m); err != nil {
		t.Fatal(err)
	}
	if got, _ := ledger.GetTokenAmount(borrow, m); got < 1 {
		t.Errorf("borrow of 1 reads %d", got)
	}
}

func TestUpdateSpotBalance_WrongMarketRejected(t *testing.T) {
	m := testutil.NewUSDCMarket()
	pos := &state.SpotPosition{MarketIndex: testutil.SOLIndex}
	if err := ledger.UpdateSpotBalance(1, pos, m); err == nil {
		t.Error("update against another market should fail")
	}
}

func TestTransferSpot_SenderMayBorrow(t *testing.T) {
	m := testutil.NewUSDCMarket()
	from := testutil.NewAccount()
	to := testutil.NewAccount()

	if err := ledger.TransferSpot(from, to, m, testutil.USDC(10)); err != nil {
		t.Fatal(err)
	}
	fromPos, _ := from.SpotPosition(m.MarketIndex)
	toPos, _ := to.SpotPosition(m.MarketIndex)
	if got, _ := ledger.GetSignedTokenAmount(fromPos, m); got != -testutil.USDC(10) {
		t.Errorf("sender = %d, want %d", got, -testutil.USDC(10))
	}
	if got, _ := ledger.GetSignedTokenAmount(toPos, m); got != testutil.USDC(10) {
		t.Errorf("receiver = %d, want %d", got, testutil.USDC(10))
	}

	if err := ledger.TransferSpot(from, to, m, 0); err == nil {
		t.Error("zero transfer should fail")
	}
}

func TestSocializeDepositLoss_LowersIndexProRata(t *testing.T) {
	m := testutil.NewUSDCMarket()
	pos := &state.SpotPosition{MarketIndex: m.MarketIndex}
	if err := ledger.UpdateSpotBalance(testutil.USDC(1_000), pos, m); err != nil {
		t.Fatal(err)
	}

	decrease, err := ledger.SocializeDepositLoss(m, testutil.USDC(100))
	if err != nil {
		t.Fatal(err)
	}
	if decrease != 1_000_000_000 {
		t.Errorf("index decrease = %d, want 1e9", decrease)
	}
	if m.CumulativeDepositInterest != 9_000_000_000 {
		t.Errorf("deposit index = %d, want 9e9", m.CumulativeDepositInterest)
	}
	if got, _ := ledger.GetTokenAmount(pos, m); got != testutil.USDC(900) {
		t.Errorf("balance = %d, want %d", got, testutil.USDC(900))
	}
}

func TestSocializeDepositLoss_NoDepositsFails(t *testing.T) {
	m := testutil.NewUSDCMarket()
	if _, err := ledger.SocializeDepositLoss(m, 1); err == nil {
		t.Error("loss against an empty pool should fail")
	}
	if d, err := ledger.SocializeDepositLoss(m, 0); err != nil || d != 0 {
		t.Errorf("zero loss = (%d, %v), want (0, nil)", d, err)
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatchTransfer_NegativeAmountSwapsSides(t *testing.T) {
	gen := ledger.NewJournalGenerator(0, ledger.NewBalanceTracker())
	batch := gen.NewBatch("ref", testutil.Now)

	user := ledger.UserPerpPnlKey(uuid.New(), 0)
	pool := ledger.NewPerpSystemAccountKey(0, ledger.SubTypeSystemPnlPool)
	batch.Transfer(user, pool, -25, ledger.JournalTypeSettlePnl)
	batch.Transfer(user, pool, 0, ledger.JournalTypeSettlePnl)

	if len(batch.Journals) != 1 {
		t.Fatalf("journals = %d, want 1", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.DebitAccount != pool || j.CreditAccount != user || j.Amount != 25 {
		t.Errorf("journal = %s <- %s %d", j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), j.Amount)
	}
	if j.EventRef != "ref" || j.Sequence != 0 {
		t.Errorf("journal ref %q seq %d", j.EventRef, j.Sequence)
	}
}

func TestBatchValidate_SameAccount_Fails(t *testing.T) {
	batchID := uuid.New()
	same := ledger.UserSpotKey(uuid.New(), 0)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  same,
			CreditAccount: same,
			Amount:        100,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.UserSpotKey(uuid.New(), 0),
			CreditAccount: ledger.NewSpotSystemAccountKey(0, ledger.SubTypeSystemInsuranceFund),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_EmptyBatch_Passes(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err != nil {
		t.Errorf("empty batch should pass: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator and InvariantValidator
// ============================================================================

func TestJournalGenerator_CommitAdvancesSequence(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(41, bt)

	batch := gen.NewBatch("ins-41", testutil.Now)
	insurance := ledger.NewSpotSystemAccountKey(0, ledger.SubTypeSystemInsuranceFund)
	user := ledger.UserSpotKey(uuid.New(), 0)
	batch.Transfer(user, insurance, 500, ledger.JournalTypeInsuranceDraw)

	if err := gen.Commit(batch); err != nil {
		t.Fatal(err)
	}
	if gen.Sequence() != 42 {
		t.Errorf("sequence = %d, want 42", gen.Sequence())
	}
	if bt.GetBalance(user) != 500 || bt.GetBalance(insurance) != -500 {
		t.Errorf("balances user=%d insurance=%d", bt.GetBalance(user), bt.GetBalance(insurance))
	}

	// a batch opened before the commit is stale
	if err := gen.Commit(batch); err == nil {
		t.Error("stale batch should be rejected")
	}
}

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	user := uuid.New()
	bt.ApplyJournal(ledger.Journal{
		DebitAccount:  ledger.UserSpotKey(user, 0),
		CreditAccount: ledger.UserPerpPnlKey(user, 0),
		AssetID:       0,
		Amount:        1_000_000,
	})
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
	if err := bt.ValidateNonNegative(ledger.UserPerpPnlKey(user, 0)); err == nil {
		t.Error("credited account should report negative balance")
	}

	snap := bt.Snapshot()
	bt.ApplyJournal(ledger.Journal{
		DebitAccount:  ledger.UserSpotKey(user, 0),
		CreditAccount: ledger.UserSpotKey(user, testutil.SOLIndex),
		Amount:        1,
	})
	if err := v.ValidateGlobalBalance(); err == nil {
		t.Error("cross-currency entry should break the zero sum")
	}
	bt.Restore(snap)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("restored ledger should balance: %v", err)
	}
}

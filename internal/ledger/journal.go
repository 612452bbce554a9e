package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeFundingSettle JournalType = iota
	JournalTypeLiquidationTransfer
	JournalTypeLiquidatorFee
	JournalTypeInsuranceFee
	JournalTypePnlForDeposit
	JournalTypeSpotLiquidation
	JournalTypeSwapOut
	JournalTypeSwapIn
	JournalTypeInsuranceDraw
	JournalTypeSocialLoss
	JournalTypeDepositWriteOff
	JournalTypeFeePoolSweep
	JournalTypeSettlePnl
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeFundingSettle:
		return "funding_settle"
	case JournalTypeLiquidationTransfer:
		return "liquidation_transfer"
	case JournalTypeLiquidatorFee:
		return "liquidator_fee"
	case JournalTypeInsuranceFee:
		return "insurance_fee"
	case JournalTypePnlForDeposit:
		return "pnl_for_deposit"
	case JournalTypeSpotLiquidation:
		return "spot_liquidation"
	case JournalTypeSwapOut:
		return "swap_out"
	case JournalTypeSwapIn:
		return "swap_in"
	case JournalTypeInsuranceDraw:
		return "insurance_draw"
	case JournalTypeSocialLoss:
		return "social_loss"
	case JournalTypeDepositWriteOff:
		return "deposit_write_off"
	case JournalTypeFeePoolSweep:
		return "fee_pool_sweep"
	case JournalTypeSettlePnl:
		return "settle_pnl"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups the entries of one instruction
	EventRef      string      // Idempotency key of the instruction
	Sequence      int64       // Global instruction sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Currency being moved
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Instruction timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves a single positive
// amount from credit to debit, so every entry balances on its own.
// An empty batch is valid: some instructions only flip flags.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}

package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator assigns sequences to instruction batches and applies them
// to the balance tracker once committed.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the sequence the next batch will receive.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// NewBatch opens an empty batch for the instruction identified by eventRef.
func (jg *JournalGenerator) NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Commit validates the batch, applies it to the tracker and advances the sequence.
func (jg *JournalGenerator) Commit(batch *Batch) error {
	if batch.Sequence != jg.sequence {
		return fmt.Errorf("batch sequence %d, expected %d", batch.Sequence, jg.sequence)
	}
	if err := jg.balanceTracker.ApplyBatch(batch); err != nil {
		return err
	}
	jg.sequence++
	return nil
}

// Transfer appends an entry moving amount from credit to debit. A negative
// amount moves the other way; zero is skipped.
func (b *Batch) Transfer(debit, credit AccountKey, amount int64, journalType JournalType) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		debit, credit = credit, debit
		amount = -amount
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.Currency(),
		Amount:        amount,
		JournalType:   journalType,
		Timestamp:     b.Timestamp,
	})
}

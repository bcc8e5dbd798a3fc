package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

// Generator produces reports from stored ledger state.
type Generator struct {
	product     string
	ledgerStore storage.LedgerStore
	eventStore  storage.EventStore
	now         func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator. eventStore may be nil.
func NewGenerator(product string, ledgerStore storage.LedgerStore, eventStore storage.EventStore) *Generator {
	return &Generator{
		product:     product,
		ledgerStore: ledgerStore,
		eventStore:  eventStore,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate reads the whole ledger in one read transaction.
func (g *Generator) Generate(ctx context.Context) (*Report, error) {
	r := &Report{
		GeneratedAt: g.now(),
		Product:     g.product,
		Summary: Summary{
			OpenSupplied:         make(map[string]string),
			ClaimableOutstanding: make(map[string]string),
		},
	}

	var batchIDs []domain.BatchID
	err := g.ledgerStore.View(ctx, func(tx storage.LedgerTx) error {
		for _, kind := range []domain.BatchKind{domain.BatchKindMint, domain.BatchKindRedeem} {
			current, err := tx.GetCurrentBatchID(ctx, kind)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("current %s batch: %w", kind, err)
			}

			batches, err := tx.ListBatches(ctx, kind)
			if err != nil {
				return fmt.Errorf("list %s batches: %w", kind, err)
			}

			outstanding := decimal.Zero
			for _, b := range batches {
				positions, err := tx.GetPositions(ctx, b.ID)
				if err != nil {
					return fmt.Errorf("positions of %s: %w", b.ID.Hex(), err)
				}
				r.IntegrityErrors = append(r.IntegrityErrors, checkBatch(b, positions)...)

				row := BatchRow{
					BatchID:              b.ID.Hex(),
					Kind:                 kind.String(),
					Sequence:             b.Sequence,
					Claimable:            b.Claimable,
					Current:              b.ID == current,
					Depositors:           len(positions),
					SuppliedTotal:        b.SuppliedTotal.String(),
					UnclaimedShares:      b.UnclaimedShares.String(),
					ClaimableOutputTotal: b.ClaimableOutputTotal.String(),
					CreatedAt:            b.CreatedAt,
					ProcessedAt:          b.ProcessedAt,
				}
				r.Batches = append(r.Batches, row)
				batchIDs = append(batchIDs, b.ID)

				if row.Current {
					r.Summary.OpenSupplied[kind.String()] = row.SuppliedTotal
				}
				if b.Claimable {
					outstanding = outstanding.Add(b.ClaimableOutputTotal)
				}
			}
			r.Summary.ClaimableOutstanding[kind.String()] = outstanding.String()
			if kind == domain.BatchKindMint {
				r.Summary.MintBatches = len(batches)
			} else {
				r.Summary.RedeemBatches = len(batches)
			}
		}

		fee, err := tx.GetFeeState(ctx)
		if err != nil {
			return fmt.Errorf("fee state: %w", err)
		}
		r.Fee = FeeSection{
			RateBps:     fee.RateBps,
			Accumulated: fee.Accumulated.String(),
		}
		if fee.Recipient != (common.Address{}) {
			r.Fee.Recipient = fee.Recipient.Hex()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if g.eventStore != nil {
		activity, err := g.generateActivity(ctx, batchIDs)
		if err != nil {
			return nil, err
		}
		r.Activity = activity
	}

	return r, nil
}

// checkBatch verifies that positions sum to UnclaimedShares and that an
// open batch has no output.
func checkBatch(b *domain.Batch, positions []domain.Position) []string {
	var errs []string
	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(p.SuppliedAmount)
	}
	if !sum.Equal(b.UnclaimedShares) {
		errs = append(errs, fmt.Sprintf("batch %s: positions sum %s != unclaimed shares %s", b.ID.Hex(), sum, b.UnclaimedShares))
	}
	if b.ClaimableOutputTotal.IsNegative() {
		errs = append(errs, fmt.Sprintf("batch %s: negative claimable output %s", b.ID.Hex(), b.ClaimableOutputTotal))
	}
	if !b.Claimable && !b.ClaimableOutputTotal.IsZero() {
		errs = append(errs, fmt.Sprintf("batch %s: open batch has output %s", b.ID.Hex(), b.ClaimableOutputTotal))
	}
	return errs
}

func (g *Generator) generateActivity(ctx context.Context, ids []domain.BatchID) ([]ActivityRow, error) {
	counts := make(map[string]int)
	seen := make(map[string]struct{})
	for _, id := range ids {
		evs, err := g.eventStore.GetByBatchID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("events of %s: %w", id.Hex(), err)
		}
		for _, e := range evs {
			// hot-swap events touch several batches
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			counts[string(e.Type)]++
		}
	}

	rows := make([]ActivityRow, 0, len(counts))
	for typ, n := range counts {
		rows = append(rows, ActivityRow{Type: typ, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Type < rows[j].Type })
	return rows, nil
}

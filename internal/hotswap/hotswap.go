// Package hotswap selects which claimable batches, and how many shares of
// each, to move into the opposite queue to reach a target amount.
package hotswap

import (
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
)

// Candidate is one of an account's claimable batches.
type Candidate struct {
	BatchID         domain.BatchID  `json:"batch_id"`
	SuppliedAmount  decimal.Decimal `json:"supplied_amount"`  // account's shares
	ClaimableAmount decimal.Decimal `json:"claimable_amount"` // what settling all shares would pay
}

// Plan is the input for MoveUnclaimedIntoCurrentBatch.
type Plan struct {
	BatchIDs []domain.BatchID  `json:"batch_ids"`
	Shares   []decimal.Decimal `json:"shares"`
	Amount   decimal.Decimal   `json:"amount"` // expected total payout, never above the target
}

// Prepare walks candidates in order, taking whole batches until the next one
// would overshoot target. The residual is converted into shares of that batch
// as floor(residual * supplied / claimable). Candidates with nothing to claim
// are skipped. If candidates cannot cover target, all of them are taken.
func Prepare(target decimal.Decimal, candidates []Candidate) Plan {
	plan := Plan{Amount: decimal.Zero}
	if !target.IsPositive() {
		return plan
	}

	remaining := target
	for _, c := range candidates {
		if !remaining.IsPositive() {
			break
		}
		if !c.SuppliedAmount.IsPositive() || !c.ClaimableAmount.IsPositive() {
			continue
		}

		if c.ClaimableAmount.LessThanOrEqual(remaining) {
			plan.add(c.BatchID, c.SuppliedAmount, c.ClaimableAmount)
			remaining = remaining.Sub(c.ClaimableAmount)
			continue
		}

		shares, _ := remaining.Mul(c.SuppliedAmount).QuoRem(c.ClaimableAmount, 0)
		if shares.IsZero() {
			break
		}
		// floor(claimable * shares / supplied) <= remaining
		amount, _ := c.ClaimableAmount.Mul(shares).QuoRem(c.SuppliedAmount, 0)
		plan.add(c.BatchID, shares, amount)
		break
	}
	return plan
}

func (p *Plan) add(id domain.BatchID, shares, amount decimal.Decimal) {
	p.BatchIDs = append(p.BatchIDs, id)
	p.Shares = append(p.Shares, shares)
	p.Amount = p.Amount.Add(amount)
}

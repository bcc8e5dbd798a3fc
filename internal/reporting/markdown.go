package reporting

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("# Ledger Report: %s\n\n", r.Product))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Mint Batches | %d |\n", r.Summary.MintBatches))
	sb.WriteString(fmt.Sprintf("| Redeem Batches | %d |\n", r.Summary.RedeemBatches))
	for _, kind := range sortedKeys(r.Summary.OpenSupplied) {
		sb.WriteString(fmt.Sprintf("| Open %s Supplied | %s |\n", kind, r.Summary.OpenSupplied[kind]))
	}
	for _, kind := range sortedKeys(r.Summary.ClaimableOutstanding) {
		sb.WriteString(fmt.Sprintf("| Unclaimed %s Output | %s |\n", kind, r.Summary.ClaimableOutstanding[kind]))
	}
	sb.WriteString("\n")

	// Fee
	sb.WriteString("## Redemption Fee\n\n")
	if r.Fee.RateBps == 0 {
		sb.WriteString("No redemption fee configured.\n\n")
	} else {
		sb.WriteString(fmt.Sprintf("Rate: %d bps | Recipient: %s\n\n", r.Fee.RateBps, r.Fee.Recipient))
	}
	sb.WriteString(fmt.Sprintf("Accumulated: %s\n\n", r.Fee.Accumulated))

	// Integrity
	sb.WriteString("## Integrity\n\n")
	if len(r.IntegrityErrors) == 0 {
		sb.WriteString("**All checks passed.**\n\n")
	} else {
		for _, err := range r.IntegrityErrors {
			sb.WriteString(fmt.Sprintf("- %s\n", err))
		}
		sb.WriteString("\n")
	}

	// Batches
	sb.WriteString("## Batches\n\n")
	if len(r.Batches) == 0 {
		sb.WriteString("No batches.\n\n")
	} else {
		sb.WriteString("| Kind | Seq | Batch | Status | Depositors | Supplied | Unclaimed Shares | Claimable Output |\n")
		sb.WriteString("|------|-----|-------|--------|------------|----------|------------------|------------------|\n")
		for _, b := range r.Batches {
			sb.WriteString(fmt.Sprintf("| %s | %d | %s | %s | %d | %s | %s | %s |\n",
				b.Kind, b.Sequence, shortID(b.BatchID), status(b), b.Depositors,
				b.SuppliedTotal, b.UnclaimedShares, b.ClaimableOutputTotal))
		}
		sb.WriteString("\n")
	}

	// Activity
	if len(r.Activity) > 0 {
		sb.WriteString("## Activity\n\n")
		sb.WriteString("| Event | Count |\n")
		sb.WriteString("|-------|-------|\n")
		for _, a := range r.Activity {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", a.Type, a.Count))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func status(b BatchRow) string {
	switch {
	case b.Current:
		return "OPEN"
	case b.Claimable:
		return "CLAIMABLE"
	default:
		return "CLOSED"
	}
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:10] + "…"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

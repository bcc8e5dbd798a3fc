package reporting

import (
	"fmt"
	"strings"
)

// RenderCSV renders batch rows as CSV string.
func RenderCSV(rows []BatchRow) string {
	var sb strings.Builder

	// Header
	sb.WriteString("batch_id,kind,sequence,claimable,current,depositors,")
	sb.WriteString("supplied_total,unclaimed_shares,claimable_output_total,created_at,processed_at\n")

	// Rows
	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("%s,%s,%d,%t,%t,%d,%s,%s,%s,%d,%d\n",
			r.BatchID,
			r.Kind,
			r.Sequence,
			r.Claimable,
			r.Current,
			r.Depositors,
			r.SuppliedTotal,
			r.UnclaimedShares,
			r.ClaimableOutputTotal,
			r.CreatedAt,
			r.ProcessedAt,
		))
	}

	return sb.String()
}

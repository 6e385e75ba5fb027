package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

var cent = decimal.New(1, -2)

// ComputeBalances splits the unsettled total evenly across participants.
//
// Rows follow the roster, one per entry, then are stable-sorted by balance
// descending so ties keep roster order. Expenses paid by someone missing from
// the roster still count toward the total. Amounts are rounded half away from
// zero to cents; the balance is derived from the unrounded paid and share.
func ComputeBalances(expenses []Expense, participants []string) []BalanceRow {
	if len(participants) == 0 {
		return []BalanceRow{}
	}

	total := decimal.Zero
	paidBy := make(map[string]decimal.Decimal)
	for _, e := range expenses {
		if e.Settled {
			continue
		}
		total = total.Add(e.Amount)
		paidBy[e.PaidBy] = paidBy[e.PaidBy].Add(e.Amount)
	}

	share := total.Div(decimal.NewFromInt(int64(max(len(participants), 1))))

	rows := make([]BalanceRow, 0, len(participants))
	for _, name := range participants {
		paid := paidBy[name]
		rows = append(rows, BalanceRow{
			Name:    name,
			Paid:    paid.Round(2),
			Share:   share.Round(2),
			Balance: paid.Sub(share).Round(2),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Balance.GreaterThan(rows[j].Balance)
	})
	return rows
}

// SuggestTransfers pairs debtors with creditors greedily, largest first, and
// returns the payments that would bring every balance to zero. Leftovers below
// one cent, which come from rounding the shares, are dropped.
func SuggestTransfers(rows []BalanceRow) []Transfer {
	type party struct {
		name   string
		amount decimal.Decimal
	}

	var creditors, debtors []party
	for _, r := range rows {
		switch {
		case r.Balance.IsPositive():
			creditors = append(creditors, party{r.Name, r.Balance})
		case r.Balance.IsNegative():
			debtors = append(debtors, party{r.Name, r.Balance.Neg()})
		}
	}
	sort.SliceStable(creditors, func(i, j int) bool { return creditors[i].amount.GreaterThan(creditors[j].amount) })
	sort.SliceStable(debtors, func(i, j int) bool { return debtors[i].amount.GreaterThan(debtors[j].amount) })

	transfers := []Transfer{}
	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		amount := decimal.Min(debtors[i].amount, creditors[j].amount)
		if amount.GreaterThanOrEqual(cent) {
			transfers = append(transfers, Transfer{
				From:   debtors[i].name,
				To:     creditors[j].name,
				Amount: amount.Round(2),
			})
		}

		debtors[i].amount = debtors[i].amount.Sub(amount)
		creditors[j].amount = creditors[j].amount.Sub(amount)

		if debtors[i].amount.LessThan(cent) {
			i++
		}
		if creditors[j].amount.LessThan(cent) {
			j++
		}
	}
	return transfers
}

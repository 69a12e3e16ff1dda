package models

import (
	"testing"
	"time"
)

func TestPostingDateAllowed(t *testing.T) {
	throughDate := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		txnDate time.Time
		want    bool
	}{
		{"well before close", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{"day before boundary", time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC), false},
		{"on the boundary", time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), false},
		{"day after boundary", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), true},
		{"well after close", time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := postingDateAllowed(tc.txnDate, throughDate); got != tc.want {
				t.Fatalf("postingDateAllowed(%s, %s) = %v, want %v",
					tc.txnDate.Format("2006-01-02"), throughDate.Format("2006-01-02"), got, tc.want)
			}
		})
	}
}

func TestAccountTypeNormalBalance(t *testing.T) {
	debitTypes := []AccountType{AccountTypeAsset, AccountTypeExpense}
	creditTypes := []AccountType{AccountTypeLiability, AccountTypeEquity, AccountTypeIncome}

	for _, at := range debitTypes {
		if at.NormalBalance() != BalanceSideDebit {
			t.Errorf("%s normal balance = %s, want debit", at, at.NormalBalance())
		}
	}
	for _, at := range creditTypes {
		if at.NormalBalance() != BalanceSideCredit {
			t.Errorf("%s normal balance = %s, want credit", at, at.NormalBalance())
		}
	}
	if AccountType("BOGUS").Valid() {
		t.Error("bogus account type reported valid")
	}
}

package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func amount(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestValidateJournalLines(t *testing.T) {
	cases := []struct {
		name      string
		lines     []NewJournalTransaction
		wantTotal string
		wantErr   bool
	}{
		{
			name: "balanced two lines",
			lines: []NewJournalTransaction{
				{AccountId: 1, Debit: amount("100.00")},
				{AccountId: 2, Credit: amount("100.00")},
			},
			wantTotal: "100.00",
		},
		{
			name: "balanced split credit",
			lines: []NewJournalTransaction{
				{AccountId: 1, Debit: amount("100.00")},
				{AccountId: 2, Credit: amount("60.00")},
				{AccountId: 3, Credit: amount("40.00")},
			},
			wantTotal: "100.00",
		},
		{
			name:    "empty",
			lines:   nil,
			wantErr: true,
		},
		{
			name: "unbalanced",
			lines: []NewJournalTransaction{
				{AccountId: 1, Debit: amount("100.00")},
				{AccountId: 2, Credit: amount("99.99")},
			},
			wantErr: true,
		},
		{
			name: "negative amount",
			lines: []NewJournalTransaction{
				{AccountId: 1, Debit: amount("-50")},
				{AccountId: 2, Credit: amount("-50")},
			},
			wantErr: true,
		},
		{
			name: "debit and credit on one line",
			lines: []NewJournalTransaction{
				{AccountId: 1, Debit: amount("50"), Credit: amount("50")},
			},
			wantErr: true,
		},
		{
			name: "line with neither side",
			lines: []NewJournalTransaction{
				{AccountId: 1, Debit: amount("100.00")},
				{AccountId: 2},
				{AccountId: 3, Credit: amount("100.00")},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total, err := validateJournalLines(tc.lines)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got total %s", total)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !total.Equal(amount(tc.wantTotal)) {
				t.Fatalf("total = %s, want %s", total, tc.wantTotal)
			}
		})
	}
}

package models

import "testing"

func TestHealedNext(t *testing.T) {
	cases := []struct {
		name      string
		stored    int64
		maxIssued int64
		want      int64
	}{
		{"fresh counter", 1, 0, 1},
		{"counter ahead of documents", 42, 10, 42},
		{"counter fell behind", 5, 17, 18},
		{"counter at boundary", 18, 17, 18},
		{"zero stored heals to one", 0, 0, 1},
		{"negative stored heals", -3, 0, 1},
		{"negative stored behind documents", -3, 9, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := healedNext(tc.stored, tc.maxIssued); got != tc.want {
				t.Fatalf("healedNext(%d, %d) = %d, want %d", tc.stored, tc.maxIssued, got, tc.want)
			}
		})
	}
}

func TestDocumentNumberFormats(t *testing.T) {
	if got := FormatDocumentNumber(SequencePrefixPurchaseBill, 42); got != "PB-000042" {
		t.Errorf("purchase bill number = %q, want PB-000042", got)
	}
	if got := FormatDocumentNumber(SequencePrefixCreditNote, 1); got != "CN-000001" {
		t.Errorf("credit note number = %q, want CN-000001", got)
	}
	if got := FormatJournalNumber(2026, 7); got != "JE-2026-000007" {
		t.Errorf("journal number = %q, want JE-2026-000007", got)
	}
	if got := JournalSequenceKey(2026); got != "journal-2026" {
		t.Errorf("journal sequence key = %q, want journal-2026", got)
	}
}

package config

import (
	"testing"

	"gorm.io/gorm/clause"
)

func TestColIsCompanyID(t *testing.T) {
	cases := []struct {
		col  any
		want bool
	}{
		{"company_id", true},
		{"COMPANY_ID", true},
		{"warehouse_id", false},
		{clause.Column{Name: "company_id"}, true},
		{clause.Column{Table: "journals", Name: "company_id"}, true},
		{clause.Column{Name: "id"}, false},
		{42, false},
	}
	for _, tc := range cases {
		if got := colIsCompanyID(tc.col); got != tc.want {
			t.Errorf("colIsCompanyID(%v) = %v, want %v", tc.col, got, tc.want)
		}
	}
}

func TestExprCompanyIDValue(t *testing.T) {
	eq := clause.Eq{Column: clause.Column{Name: "company_id"}, Value: "co-1"}
	if v, found := exprCompanyIDValue(eq); !found || v != "co-1" {
		t.Fatalf("plain Eq: found=%v value=%v", found, v)
	}

	other := clause.Eq{Column: clause.Column{Name: "item_id"}, Value: 7}
	if _, found := exprCompanyIDValue(other); found {
		t.Fatal("unrelated Eq reported as company_id")
	}

	nested := clause.AndConditions{Exprs: []clause.Expression{other, eq}}
	if v, found := exprCompanyIDValue(nested); !found || v != "co-1" {
		t.Fatalf("nested AND: found=%v value=%v", found, v)
	}

	raw := clause.Expr{SQL: "company_id = ? AND warehouse_id = ?", Vars: []interface{}{"co-1", 3}}
	if _, found := exprCompanyIDValue(raw); !found {
		t.Fatal("raw expression mentioning company_id not detected")
	}

	rawOther := clause.Expr{SQL: "warehouse_id = ?", Vars: []interface{}{3}}
	if _, found := exprCompanyIDValue(rawOther); found {
		t.Fatal("raw expression without company_id reported as scoped")
	}
}

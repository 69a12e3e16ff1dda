package config

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tenant isolation failures are programmer/configuration errors. They fail
// closed; nothing ever degrades to an unscoped statement.
var (
	ErrTenantScopeRequired = errors.New("tenant scope required: tenant-scoped statement without company_id")
	ErrTenantScopeMismatch = errors.New("tenant scope mismatch")
)

// TenantGuardPlugin enforces multi-tenant isolation at the data-access
// boundary for every model carrying a company_id column.
//
// Enforcement modes:
//   - many-row operations (Query/Row/Create): the request's company_id is
//     injected into the filter or payload automatically;
//   - exactly-one-row operations (Update/Delete): the caller must already
//     filter by company_id; a statement without it is rejected, not run
//     unscoped;
//   - an explicit company_id that differs from the context's is rejected;
//   - no company id in context fails closed unless the context is marked
//     as a trusted process.
//
// NOTE: raw SQL bypasses gorm callbacks and must include company_id manually.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardFilter); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardFilter); err != nil {
		return err
	}
	if err := db.Callback().Create().Before("gorm:create").Register("tenant_guard:create", tenantGuardCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardStrict); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardStrict); err != nil {
		return err
	}
	return nil
}

// tenantGuardFilter injects `company_id = ?` into reads that omit it.
func tenantGuardFilter(db *gorm.DB) {
	companyID, scoped := guardScope(db)
	if !scoped {
		return
	}

	if v, found := whereCompanyIDValue(db.Statement.Clauses["WHERE"]); found {
		if s, ok := v.(string); ok && s != companyID {
			_ = db.AddError(ErrTenantScopeMismatch)
		}
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "company_id"},
				Value:  companyID,
			},
		},
	})
}

// tenantGuardStrict rejects updates/deletes whose filter omits company_id.
// Single-row writes must be explicitly scoped by the caller; injecting here
// would hide programmer errors.
func tenantGuardStrict(db *gorm.DB) {
	companyID, scoped := guardScope(db)
	if !scoped {
		return
	}

	v, found := whereCompanyIDValue(db.Statement.Clauses["WHERE"])
	if !found {
		// Model-value conditions (e.g. tx.Model(&j).Updates(...)) carry the
		// company id on the destination struct instead of a WHERE clause.
		if mv, ok := modelCompanyID(db); ok {
			v, found = mv, true
		}
	}
	if !found {
		_ = db.AddError(ErrTenantScopeRequired)
		return
	}
	if s, ok := v.(string); ok && s != companyID {
		_ = db.AddError(ErrTenantScopeMismatch)
	}
}

// tenantGuardCreate stamps the context's company id onto created rows and
// rejects payloads claiming another tenant.
func tenantGuardCreate(db *gorm.DB) {
	companyID, scoped := guardScope(db)
	if !scoped {
		return
	}
	field := db.Statement.Schema.LookUpField("company_id")
	if field == nil {
		return
	}

	stamp := func(rv reflect.Value) {
		v, zero := field.ValueOf(db.Statement.Context, rv)
		if zero {
			_ = field.Set(db.Statement.Context, rv, companyID)
			return
		}
		if s, ok := v.(string); ok && s != companyID {
			_ = db.AddError(ErrTenantScopeMismatch)
		}
	}

	switch db.Statement.ReflectValue.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < db.Statement.ReflectValue.Len(); i++ {
			stamp(db.Statement.ReflectValue.Index(i))
		}
	case reflect.Struct:
		stamp(db.Statement.ReflectValue)
	}
}

// guardScope decides whether the current statement is tenant-scoped and, if
// so, which company id applies. Missing tenant context fails closed.
func guardScope(db *gorm.DB) (string, bool) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return "", false
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return "", false
	}
	if !schemaHasCompanyID(db) {
		return "", false
	}
	if shouldBypassTenantScope(ctx) {
		return "", false
	}
	companyID := companyIdFromContext(ctx)
	if companyID == "" {
		_ = db.AddError(ErrTenantScopeRequired)
		return "", false
	}
	return companyID, true
}

func schemaHasCompanyID(db *gorm.DB) bool {
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "company_id") {
			return true
		}
	}
	return false
}

func modelCompanyID(db *gorm.DB) (string, bool) {
	field := db.Statement.Schema.LookUpField("company_id")
	if field == nil {
		return "", false
	}
	rv := db.Statement.ReflectValue
	if rv.Kind() != reflect.Struct {
		return "", false
	}
	v, zero := field.ValueOf(db.Statement.Context, rv)
	if zero {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func companyIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyCompanyId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyTrustedProcess).(bool); ok && v {
		return true
	}
	return false
}

func whereCompanyIDValue(c clause.Clause) (interface{}, bool) {
	if c.Expression == nil {
		return nil, false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return nil, false
	}
	for _, e := range w.Exprs {
		if v, found := exprCompanyIDValue(e); found {
			return v, true
		}
	}
	return nil, false
}

func exprCompanyIDValue(e clause.Expression) (interface{}, bool) {
	switch v := e.(type) {
	case clause.Eq:
		if colIsCompanyID(v.Column) {
			return v.Value, true
		}
		return nil, false
	case clause.IN:
		if colIsCompanyID(v.Column) {
			return nil, true
		}
		return nil, false
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if val, found := exprCompanyIDValue(x); found {
				return val, true
			}
		}
		return nil, false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if val, found := exprCompanyIDValue(x); found {
				return val, true
			}
		}
		return nil, false
	case clause.Expr:
		// Best-effort for raw expressions: presence only, value unknown.
		if strings.Contains(strings.ToLower(v.SQL), "company_id") {
			return nil, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func colIsCompanyID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "company_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "company_id")
	default:
		return false
	}
}

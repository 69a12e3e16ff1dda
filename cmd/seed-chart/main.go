package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

// Seeds the default chart of accounts for an existing company. Safe to run
// repeatedly; accounts already present are left alone.
func main() {
	companyID := flag.String("company-id", "", "Required: company id (uuid)")
	flag.Parse()

	companyId := strings.TrimSpace(*companyID)
	if companyId == "" {
		fmt.Fprintln(os.Stderr, "--company-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetCompanyIdInContext(ctx, companyId)
	ctx = utils.SetUserNameInContext(ctx, "SeedChart")

	if _, err := models.GetCompanyById(ctx, companyId); err != nil {
		fmt.Fprintf(os.Stderr, "company lookup failed: %v\n", err)
		os.Exit(1)
	}

	tx := db.WithContext(ctx).Begin()
	if err := models.SeedChartOfAccounts(ctx, tx, companyId); err != nil {
		tx.Rollback()
		fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
		os.Exit(1)
	}
	if err := tx.Commit().Error; err != nil {
		fmt.Fprintf(os.Stderr, "commit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("chart of accounts seeded for company " + companyId)
}

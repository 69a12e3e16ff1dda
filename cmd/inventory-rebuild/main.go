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
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
)

// Rebuilds stock balance snapshots from move history, or with -check just
// reports snapshots that disagree with their replayed history.
func main() {
	companyID := flag.String("company-id", "", "Required: company id (uuid)")
	warehouseID := flag.Int("warehouse-id", 0, "Optional: warehouse id (rebuild one pair)")
	itemID := flag.Int("item-id", 0, "Optional: item id (rebuild one pair)")
	checkOnly := flag.Bool("check", false, "Report inconsistencies without rebuilding")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing pairs and continue rebuilding others")
	flag.Parse()

	if strings.TrimSpace(*companyID) == "" {
		fmt.Fprintln(os.Stderr, "--company-id is required")
		os.Exit(1)
	}
	if (*warehouseID > 0) != (*itemID > 0) {
		fmt.Fprintln(os.Stderr, "--warehouse-id and --item-id must be given together")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetCompanyIdInContext(ctx, strings.TrimSpace(*companyID))
	ctx = utils.SetUserNameInContext(ctx, "InventoryRebuild")
	ctx = utils.SetTrustedProcessInContext(ctx, true)
	companyId := strings.TrimSpace(*companyID)

	if *checkOnly {
		findings, err := workflow.CheckStockConsistency(ctx, companyId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "consistency check failed: %v\n", err)
			os.Exit(1)
		}
		if len(findings) == 0 {
			fmt.Println("all snapshots consistent")
			return
		}
		for _, f := range findings {
			if f.Corrupted {
				fmt.Printf("CORRUPTED warehouse=%d item=%d: %s\n", f.WarehouseId, f.ItemId, f.Reason)
				continue
			}
			fmt.Printf("MISMATCH warehouse=%d item=%d snapshot qty=%s value=%s replayed qty=%s value=%s\n",
				f.WarehouseId, f.ItemId,
				f.SnapshotQty.StringFixed(4), f.SnapshotValue.StringFixed(4),
				f.ReplayedQty.StringFixed(4), f.ReplayedValue.StringFixed(4))
		}
		os.Exit(2)
	}

	type pair struct {
		WarehouseId int
		ItemId      int
	}
	var pairs []pair
	if *warehouseID > 0 {
		pairs = append(pairs, pair{*warehouseID, *itemID})
	} else {
		// Discover all pairs that have move history, snapshot present or not.
		err := db.WithContext(ctx).
			Model(&models.StockMove{}).
			Distinct("warehouse_id", "item_id").
			Where("company_id = ?", companyId).
			Order("warehouse_id, item_id").
			Find(&pairs).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list stock pairs: %v\n", err)
			os.Exit(1)
		}
	}
	if len(pairs) == 0 {
		fmt.Println("no stock history found for company " + companyId)
		return
	}

	failed := 0
	for _, p := range pairs {
		balance, err := workflow.RebuildStockBalance(ctx, companyId, p.WarehouseId, p.ItemId)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "rebuild failed warehouse=%d item=%d: %v\n", p.WarehouseId, p.ItemId, err)
			if *continueOnError {
				continue
			}
			os.Exit(1)
		}
		fmt.Printf("rebuilt warehouse=%d item=%d qty=%s avg=%s value=%s\n",
			p.WarehouseId, p.ItemId,
			balance.Qty.StringFixed(4), balance.AvgUnitCost.StringFixed(4), balance.TotalValue.StringFixed(4))
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d pairs failed\n", failed, len(pairs))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/repository"
	"github.com/GoPolymarket/capsettle/internal/service"
)

// inspector prints what the next disbursement run would send and the most
// recent settlement rows. It never writes to the ledger.
func main() {
	status := flag.String("status", "", "filter settlements by status (pending, processed, failed)")
	limit := flag.Int("limit", 20, "number of settlements to print")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	ledger := repository.NewLedgerRepo(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batches, err := service.NewObligationAggregator(ledger).Build(ctx)
	if err != nil {
		log.Fatalf("Failed to build obligations: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "--- Pending Obligations ---")
	fmt.Fprintln(w, "DESTINATION\tASSET\tTOTAL\tITEMS")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", b.Destination, b.Asset, b.Total.String(), len(b.Items))
	}
	w.Flush()

	rows, err := ledger.ListSettlements(ctx, *status, *limit)
	if err != nil {
		log.Fatalf("Failed to list settlements: %v", err)
	}
	fmt.Println("\n--- Recent Settlements ---")
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tPOSITION\tDATE\tAMOUNT\tSTATUS\tTX")
	for _, r := range rows {
		tx := "-"
		if r.TxHash != nil {
			tx = *r.TxHash
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.BatchID, r.PositionID, r.Date.Format(time.DateOnly), r.Amount.String(), r.Status, tx)
	}
	w.Flush()
}

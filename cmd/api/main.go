package main

import (
	"context"
	"log"
	"os"
	"time"

	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/wallet"
)

func main() {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	wallets := wallet.NewService(wallet.NewRepository(pool))
	custodyService := custody.NewService(custody.NewRepository(), wallets)
	escrowService := escrow.NewService(pool, escrow.NewRepository(), custodyService, wallets, audit.NewTimeline(), audit.NewOutbox()).
		WithWindows(windowsFromEnv())

	authService := auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET"))

	w := escrowService.Windows()
	log.Printf("escrow service ready (dispute window %s, auto-refund window %s, auth %v)",
		w.Dispute, w.AutoRefund, authService != nil)
}

// windowsFromEnv applies optional duration overrides for the two contract
// windows shared by every escrow instance.
func windowsFromEnv() escrow.Windows {
	w := escrow.DefaultWindows
	if v := os.Getenv("ESCROW_DISPUTE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid ESCROW_DISPUTE_WINDOW %q: %v", v, err)
		}
		w.Dispute = d
	}
	if v := os.Getenv("ESCROW_AUTO_REFUND_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid ESCROW_AUTO_REFUND_WINDOW %q: %v", v, err)
		}
		w.AutoRefund = d
	}
	return w
}

package main

import (
	"time"

	"github.com/mannmitra/rewards/config"
	"github.com/mannmitra/rewards/ledger"
	"github.com/mannmitra/rewards/models"
	"github.com/mannmitra/rewards/routes"
	"github.com/mannmitra/rewards/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}

	db := config.InitDatabase(&models.UserProgress{})

	ledgerSvc := ledger.New(db, cfg)
	ledgerSvc.StartSubscriptionSweeper(time.Duration(cfg.SubscriptionSweepMinutes) * time.Minute)

	r := routes.SetupRouter(db, ledgerSvc)

	utils.Sugar.Infof("Starting rewards ledger on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, r); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}

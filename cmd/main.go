package main

import (
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/DemocracyEarth/ubi-ledger/db"
	"github.com/DemocracyEarth/ubi-ledger/engine"
	"github.com/DemocracyEarth/ubi-ledger/handlers"
	"github.com/DemocracyEarth/ubi-ledger/logger"
	"github.com/DemocracyEarth/ubi-ledger/registry"
	"github.com/DemocracyEarth/ubi-ledger/repository"
	"github.com/DemocracyEarth/ubi-ledger/routers"
)

func main() {
	// Load config
	viper.SetConfigFile("config/config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}
	viper.SetDefault("accrual.rate_per_second", 1)
	viper.SetDefault("accrual.max_delegations", 8)

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")
	logConsole := viper.GetBool("log.console")

	if err := logger.InitLogger(appLogFile, logLevel, logConsole); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting UBI ledger server...")

	// Connect to LevelDB
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Initialize repository
	repo := repository.NewLedgerRepository(ldb)

	// Stand-in registry oracle, seeded from config
	reg := registry.NewStatic(viper.GetStringSlice("registry.verified"))

	// Initialize the accrual/delegation engine
	eng := engine.NewEngine(repo, reg, engine.SystemClock(), engine.Config{
		RatePerSecond:  big.NewInt(viper.GetInt64("accrual.rate_per_second")),
		MaxDelegations: viper.GetInt("accrual.max_delegations"),
	})

	// Initialize HTTP handlers
	h := handlers.NewHandler(eng, reg, viper.GetString("admin.token"))

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	srv.Close()
}

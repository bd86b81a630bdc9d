package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"roomnight/booking"
	"roomnight/config"
	"roomnight/custody"
	"roomnight/escrow"
	"roomnight/inventory"
	"roomnight/ledger"
	"roomnight/listener"
	"roomnight/models"
	"roomnight/observability/logging"
	"roomnight/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the service configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Setup("roomnightd", cfg.Environment)

	db, err := models.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Error("migrate database", "error", err)
		os.Exit(1)
	}

	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		log.Error("dial ledger rpc", "url", cfg.Chain.RPCURL, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	gateway := ledger.NewGateway(
		client,
		new(big.Int).SetUint64(cfg.Chain.ChainID),
		common.HexToAddress(cfg.Chain.TokenAddress),
		common.HexToAddress(cfg.Chain.EscrowAddress),
		ledger.WithConfirmTimeout(cfg.Chain.ConfirmTimeout.Duration),
		ledger.WithPollInterval(cfg.Chain.PollInterval.Duration),
	)

	vault, err := custody.NewVault(cfg.Custody.AdminKeystorePath, cfg.Custody.AdminPassphrase, cfg.Custody.KeyPassphrase)
	if err != nil {
		log.Error("open custody vault", "error", err)
		os.Exit(1)
	}
	sequencer := custody.NewSequencer()
	defer sequencer.Close()

	gasFunding, ok := new(big.Int).SetString(cfg.Custody.GasFundingWei, 10)
	if !ok {
		log.Error("parse gas funding amount", "value", cfg.Custody.GasFundingWei)
		os.Exit(1)
	}

	mirror := inventory.NewMirror(db, gateway, sequencer)
	escrowEngine := escrow.NewEngine(db, gateway, sequencer, vault, mirror)
	bookingEngine := booking.NewEngine(db, gateway, sequencer, vault)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recon := listener.New(db, gateway,
		listener.WithInterval(cfg.Listener.Interval.Duration),
		listener.WithTickTimeout(cfg.Listener.TickTimeout.Duration),
		listener.WithLogger(log),
	)
	go recon.Run(rootCtx)

	api := server.New(server.Config{
		DB:         db,
		Vault:      vault,
		Sequencer:  sequencer,
		Ledger:     gateway,
		Escrow:     escrowEngine,
		Booking:    bookingEngine,
		Inventory:  mirror,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
		TokenTTL:   cfg.Auth.TokenTTL.Duration,
		GasFunding: gasFunding,
		RateLimits: map[string]server.RateLimit{
			"auth": {RequestsPerMinute: 30, Burst: 10},
			"api":  {RequestsPerMinute: 300, Burst: 50},
		},
		Logger: log,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: api.Handler(),
	}
	go func() {
		log.Info("roomnightd listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

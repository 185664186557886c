// Command settler watches token transfers to the receiving address and settles
// each one through the settlement contract's processPayment.
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
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ligun0805/usdc-settler/internal/config"
	"github.com/ligun0805/usdc-settler/internal/httpapi"
	"github.com/ligun0805/usdc-settler/internal/journal"
	"github.com/ligun0805/usdc-settler/internal/ledger"
	"github.com/ligun0805/usdc-settler/internal/logging"
	"github.com/ligun0805/usdc-settler/internal/metrics"
	"github.com/ligun0805/usdc-settler/internal/settlement"
)

func main() {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	configPath := flag.String("config", getenv("SETTLER_CONFIG", ""), "optional YAML config file; environment wins")
	reconcile := flag.Bool("reconcile", false, "re-check unfinished journal rows before watching")
	replay := flag.Bool("replay", false, "also re-run rejected payments (implies -reconcile)")
	flag.Parse()

	st, err := loadSettings(*configPath)
	if err != nil {
		die(err.Error())
	}
	if st.SignerKeyHex == "" && stdinIsTerminal() {
		if st.SignerKeyHex, err = readPassword("Signer private key (hex): "); err != nil {
			die(err.Error())
		}
	}
	if err := st.Validate(); err != nil {
		die("config: " + err.Error())
	}

	zl, err := logging.New(st.LogLevel, st.LogFormat)
	if err != nil {
		die(err.Error())
	}
	defer func() { _ = zl.Sync() }()

	if err := run(st, *reconcile || *replay, *replay, zl); err != nil {
		zl.Sugar().Errorf("[main] %v", err)
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(st config.Settings, reconcile, replay bool, zl *zap.Logger) error {
	log := zl.Sugar()
	key, err := ledger.ParseKey(st.SignerKeyHex)
	if err != nil {
		return fmt.Errorf("SIGNER_PRIVATE_KEY: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dctx, cancel := context.WithTimeout(ctx, st.CallTimeout)
	rc, err := ledger.Dial(dctx, st.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial RPC: %w", err)
	}
	defer rc.Close()

	var chainID *big.Int
	if st.ChainID != "" {
		chainID, _ = new(big.Int).SetString(st.ChainID, 10)
	}
	settlementAddr := common.HexToAddress(st.SettlementContract)
	tokenAddr := common.HexToAddress(st.TokenContract)

	cctx, cancel := context.WithTimeout(ctx, st.CallTimeout)
	lc, err := ledger.NewClient(cctx, rc, ledger.Options{
		ChainID:      chainID,
		Key:          key,
		Token:        tokenAddr,
		Settlement:   settlementAddr,
		GasBufferPct: st.GasBufferPct,
		BaseFeeMul:   st.BaseFeeMul,
		TipGwei:      st.TipGwei,
		RateLimit:    st.RPCRateLimit,
		Burst:        st.RPCBurst,
		PollInterval: st.PollInterval,
	}, zl)
	cancel()
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer lc.Close()
	printConfig(log, st, lc.ChainID(), lc.SignerAddress().Hex())

	store, err := journal.Open(ctx, st.JournalDriver, st.JournalDSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	metrics.Register(prometheus.DefaultRegisterer)

	state := ledger.NewStateReader(rc, settlementAddr, tokenAddr, st.TokenDecimals)
	logState := func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, st.CallTimeout)
		defer cancel()
		cs, err := state.Read(cctx)
		if err != nil {
			log.Errorf("[state] error fetching contract state: %v", err)
			return
		}
		log.Infow("[state] contract state",
			"owner", cs.Owner,
			"merchant", cs.Merchant,
			"feePercentage", cs.FeePercentage,
			"usdcTokenAddress", cs.USDCTokenAddress,
			"usdcBalance", cs.USDCBalance,
		)
	}

	pipe := settlement.NewPipeline(lc, store, settlement.Config{
		Settlement:     settlementAddr,
		TokenDecimals:  st.TokenDecimals,
		TokenSymbol:    st.TokenSymbol,
		SignerPays:     st.AllowanceOwner == config.AllowanceOwnerSigner,
		GasBufferPct:   st.GasBufferPct,
		CallTimeout:    st.CallTimeout,
		ConfirmTimeout: st.ConfirmTimeout,
		OnFinished:     func(ctx context.Context, _ settlement.Outcome) { logState(ctx) },
	}, zl)

	srv := &http.Server{
		Addr:         ":" + st.Port,
		Handler:      httpapi.New(state, store, prometheus.DefaultGatherer, st.TokenDecimals, st.CallTimeout, zl).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: st.CallTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Infof("[http] server running at http://localhost:%s", st.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warnf("[http] shutdown: %v", err)
		}
	}()

	logState(ctx)

	receiver := common.HexToAddress(st.ReceivingAddress)
	if reconcile {
		rep, err := settlement.Reconcile(ctx, lc, store, pipe, receiver, replay, zl)
		if err != nil {
			log.Errorf("[reconcile] %v", err)
		} else {
			log.Infof("[reconcile] confirmed=%d reverted=%d pending=%d stale=%d replayed=%d",
				rep.Confirmed, rep.Reverted, rep.Pending, rep.Stale, rep.Replayed)
		}
	}

	mon := settlement.NewMonitor(lc, receiver, pipe, zl)
	if err := mon.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Infof("[main] shutting down")
	case err := <-mon.Err():
		runErr = err
	case err := <-srvErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	stop()

	wctx, cancel := context.WithTimeout(context.Background(), st.ShutdownGrace)
	defer cancel()
	if err := mon.Wait(wctx); err != nil {
		log.Warnf("[main] settlements still running after %s, exiting anyway", st.ShutdownGrace)
	}
	return runErr
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fxrplabs/bridgebot/internal/alert"
	"github.com/fxrplabs/bridgebot/internal/crypto"
	"github.com/fxrplabs/bridgebot/internal/listener"
	"github.com/fxrplabs/bridgebot/internal/platform/fdc"
	"github.com/fxrplabs/bridgebot/internal/platform/flare"
	"github.com/fxrplabs/bridgebot/internal/platform/xrpl"
	"github.com/fxrplabs/bridgebot/internal/service"
)

// FullMode runs the complete reconciliation engine: the XRPL feed and
// listener, both state machines, the recovery watchdog, the alerter, and the
// archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("full mode: load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Flare.ChainID)
	if err != nil {
		return fmt.Errorf("full mode: create signer: %w", err)
	}

	flareClient, err := flare.NewClient(ctx, a.cfg.Flare.RpcURL, signer,
		a.cfg.Flare.SubmitTimeout.Duration,
		a.cfg.Flare.ConfirmTimeout.Duration,
		a.cfg.Flare.ReceiptPollPeriod.Duration,
	)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	defer flareClient.Close()

	mintingClient := flare.NewMintingClient(a.cfg.Flare.AssetManagerURL)
	fdcClient := fdc.NewClient(a.cfg.FDC.BaseURL, a.cfg.FDC.ProofDeadline.Duration)

	ws := xrpl.NewWSClient(a.cfg.XRPL.WsURL)
	registry := listener.NewRegistry(a.cfg.XRPL.VaultAddress)
	lst := listener.New(ws, registry, deps.SeenTx,
		a.cfg.XRPL.BackfillCount,
		a.cfg.XRPL.BackfillWindow.Duration,
		a.logger,
	)

	bridgeSvc := service.NewBridgeService(
		deps.BridgeStore, mintingClient, flareClient, fdcClient,
		deps.LockManager, lst, deps.Notifier,
		a.cfg.Bridge.LotSizeXRP,
		a.cfg.Bridge.OperationLockTTL.Duration,
		a.logger,
	)
	redemptionSvc := service.NewRedemptionService(
		deps.RedemptionStore, registry, lst, deps.Notifier, a.logger,
	)
	engine := service.NewEngine(
		ws, lst, registry,
		deps.BridgeStore, deps.RedemptionStore,
		bridgeSvc, redemptionSvc,
		a.logger,
	)

	watchdog := service.NewWatchdog(
		deps.BridgeStore, bridgeSvc,
		a.cfg.Bridge.WatchdogInterval.Duration,
		a.cfg.Bridge.StuckThreshold.Duration,
		a.cfg.Bridge.MaxRetries,
		a.logger,
	)

	checker := alert.NewChecker(
		deps.BridgeStore, deps.RedemptionStore,
		mintingClient, flareClient,
		a.alertThresholds(), a.logger,
	)
	alerter := alert.NewAlerter(
		checker, deps.Notifier,
		a.cfg.Alert.Interval.Duration,
		a.cfg.Alert.ThrottleInterval.Duration,
		a.cfg.Alert.DashboardURL,
		a.logger,
	)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return watchdog.Run(ctx) })
	g.Go(func() error { return alerter.Run(ctx) })

	if deps.BlobWriter != nil {
		archiver := service.NewArchiver(
			deps.BridgeStore, deps.RedemptionStore, deps.BlobWriter,
			a.cfg.Archive.Interval.Duration,
			time.Duration(a.cfg.Archive.RetentionDays)*24*time.Hour,
			a.logger,
		)
		g.Go(func() error { return archiver.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		if err := engine.Stop(); err != nil {
			a.logger.Warn("feed close failed", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// MonitorMode runs the alerting subsystem alone: read-only health checks
// against the operation tables and the settlement RPC, with no feed and no
// chain mutation.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	flareClient, err := flare.NewClient(ctx, a.cfg.Flare.RpcURL, nil,
		a.cfg.Flare.SubmitTimeout.Duration,
		a.cfg.Flare.ConfirmTimeout.Duration,
		a.cfg.Flare.ReceiptPollPeriod.Duration,
	)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	defer flareClient.Close()

	var yield alert.YieldSource
	if a.cfg.Flare.AssetManagerURL != "" {
		yield = flare.NewMintingClient(a.cfg.Flare.AssetManagerURL)
	}

	checker := alert.NewChecker(
		deps.BridgeStore, deps.RedemptionStore,
		yield, flareClient,
		a.alertThresholds(), a.logger,
	)
	alerter := alert.NewAlerter(
		checker, deps.Notifier,
		a.cfg.Alert.Interval.Duration,
		a.cfg.Alert.ThrottleInterval.Duration,
		a.cfg.Alert.DashboardURL,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return alerter.Run(ctx) })
	return g.Wait()
}

// alertThresholds maps the alert configuration onto check thresholds,
// leaving unset values to the package defaults.
func (a *App) alertThresholds() alert.Thresholds {
	return alert.Thresholds{
		RedemptionDelayWarn:     a.cfg.Alert.RedemptionDelay.Duration,
		RedemptionDelayCritical: 4 * a.cfg.Alert.RedemptionDelay.Duration,
		ConsecutiveFailures:     a.cfg.Alert.ConsecutiveFailures,
		YieldDriftBips:          a.cfg.Alert.YieldDriftBps,
		YieldWindow:             a.cfg.Alert.YieldDriftWindow.Duration,
		StuckThreshold:          a.cfg.Bridge.StuckThreshold.Duration,
		RPCLatencyWarn:          a.cfg.Alert.RPCLatencyWarn.Duration,
	}
}

// Command export-orders runs a single back-office export and exits. It shares
// configuration and the export lock with the API server, so it is safe to run
// from cron while the server's own export loop is enabled.
package main

import (
	"context"
	_ "time/tzdata"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	appkg "github.com/xenking/storefront/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig()
		if err != nil {
			return err
		}
		ctx = zctx.Base(ctx, lg)

		pool, err := appkg.OpenDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		exporter, closer, err := appkg.NewExporter(cfg, pool, m.MeterProvider().Meter("export-orders"))
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()

		res, err := exporter.RunOnce(ctx)
		if err != nil {
			return errors.Wrap(err, "export")
		}
		if res.Skipped {
			lg.Info("Another export is running, nothing done")
			return nil
		}
		lg.Info("Export finished",
			zap.Int("emitted", res.Emitted),
			zap.Int("promoted", res.Promoted),
			zap.String("dir", cfg.Export.Dir),
		)
		return nil
	})
}

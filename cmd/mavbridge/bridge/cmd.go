// Main mode of operation: vehicle link <-> pub/sub.
package bridge

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/temoto/mavbridge/cmd/mavbridge/subcmd"
	bridge_api "github.com/temoto/mavbridge/internal/bridge"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/internal/pubsub"
	"github.com/temoto/mavbridge/internal/supervisor"
	"github.com/temoto/mavbridge/internal/vehicle"
	"github.com/temoto/mavbridge/log2"
)

const modName = "bridge"

var Mod = subcmd.Mod{Name: modName, Usage: "forward between vehicle and pub/sub (default)", Main: Main}

var ShutdownTimeout = 10 * time.Second

func Main(ctx context.Context, cfg *config.Config, log *log2.Log) error {
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	log.Debugf("config=%+v", cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	stat, err := bridge_api.NewStat(reg)
	if err != nil {
		return err
	}

	link, err := vehicle.Connect(cfg.Connect, cfg.Vehicle, log)
	if err != nil {
		return errors.Annotatef(err, "vehicle connect=%s", cfg.Connect)
	}
	defer link.Close()

	session, err := pubsub.Open(ctx, cfg.Session, log)
	if err != nil {
		return errors.Annotatef(err, "pubsub session %s", cfg.Session.String())
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Errorf("pubsub close: %v", err)
		}
	}()

	sup := supervisor.New(ctx, log)
	if cfg.Metrics.Listen != "" {
		serve, _, err := metricsServer(cfg.Metrics.Listen, reg, log)
		if err != nil {
			sup.Shutdown()
			return err
		}
		sup.Spawn("metrics http", serve)
	}

	b := bridge_api.New(cfg, link, session, stat, log)
	if err = b.Run(sup); err != nil {
		sup.Shutdown()
		return err
	}
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	log.Infof("running connect=%s path=%s", cfg.Connect, cfg.Path)

	<-ctx.Done()
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	log.Infof("shutdown")
	if !sup.ShutdownTimeout(ShutdownTimeout) {
		return errors.Timeoutf("shutdown, still running %v", sup.ListRunning())
	}
	return nil
}

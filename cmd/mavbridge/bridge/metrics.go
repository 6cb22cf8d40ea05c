package bridge

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/mavbridge/log2"
)

// metricsServer binds listen address right away, so config errors surface
// before loops are spawned. Returned task serves until ctx is done.
func metricsServer(listen string, g prometheus.Gatherer, log *log2.Log) (func(context.Context), net.Addr, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "metrics listen=%s", listen)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Infof("metrics http://%s/metrics", ln.Addr())

	return func(ctx context.Context) {
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics: %v", err)
		}
	}, ln.Addr(), nil
}

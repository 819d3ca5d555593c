// Package monitoring serves the prometheus metrics and pprof endpoints of a
// process on a dedicated port.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var listenAddr = flag.String("monitoring.listen", "", "If set, serve /metrics and /debug/pprof on this address, e.g. localhost:9090.")

// RegisterMonitoringHandlers registers the metrics and pprof handlers on mux.
func RegisterMonitoringHandlers(mux *http.ServeMux) {
	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// PProf endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// StartMonitoringHandler serves the monitoring handlers on hostPort until ctx
// is done. It returns the address actually listened on, which differs from
// hostPort if that has port 0.
func StartMonitoringHandler(ctx context.Context, hostPort string) (string, error) {
	lis, err := net.Listen("tcp", hostPort)
	if err != nil {
		return "", status.UnavailableErrorf("listen on %s: %s", hostPort, err)
	}
	mux := http.NewServeMux()
	RegisterMonitoringHandlers(mux)
	s := &http.Server{Handler: mux}
	context.AfterFunc(ctx, func() { s.Close() })

	go func() {
		log.Infof("Enabling monitoring (pprof/prometheus) interface on http://%s", lis.Addr())
		if err := s.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Monitoring server failed: %s", err)
		}
	}()
	return lis.Addr().String(), nil
}

// StartFromFlags starts the monitoring handler if --monitoring.listen is set.
func StartFromFlags(ctx context.Context) error {
	if *listenAddr == "" {
		return nil
	}
	_, err := StartMonitoringHandler(ctx, *listenAddr)
	return err
}

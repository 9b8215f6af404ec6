// Package cmd is responsible for the program's command-line interface.
package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/sniforward/internal/config"
	"github.com/ameshkov/sniforward/internal/dnssrv"
	"github.com/ameshkov/sniforward/internal/metrics"
	"github.com/ameshkov/sniforward/internal/relay"
	"github.com/ameshkov/sniforward/internal/version"
	"github.com/getsentry/sentry-go"
	goFlags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// sentryFlushTimeout is the time given to Sentry to send the buffered events
// before the program exits.
const sentryFlushTimeout = 2 * time.Second

// Main is the entry point of the program.
func Main() {
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-V") {
		fmt.Printf("sniforward version: %s\n", version.Version())

		os.Exit(statusSuccess)
	}

	envs, err := readEnvs()
	check("read environment", err)

	o, err := parseOptions(os.Args[1:])
	var flagErr *goFlags.Error
	if errors.As(err, &flagErr) && flagErr.Type == goFlags.ErrHelp {
		// This is a special case when we exit process here as we received
		// --help.
		os.Exit(statusSuccess)
	}

	check("parse args", err)

	if o.Verbose {
		log.SetLevel(log.DEBUG)
	}

	err = initSentry(envs.SentryDSN)
	check("init sentry", err)

	log.Info("sniforward: starting version %s", version.Version())
	log.Debug("sniforward: options:\n%s", o)

	cfg, err := config.Load(o.ConfigPath)
	check("load config file", err)

	relayCfg, err := cfg.ToRelayConfig()
	check("parse relay config", err)

	dnsCfg, err := cfg.ToDNSConfig()
	check("parse dns config", err)

	relaySrv, err := relay.NewServer(relayCfg)
	check("init relay server", err)

	err = relaySrv.Start()
	check("start relay server", err)

	services := []io.Closer{relaySrv}

	if dnsCfg != nil {
		dnsSrv, dnsErr := dnssrv.New(dnsCfg)
		check("init dns server", dnsErr)

		dnsErr = dnsSrv.Start()
		check("start dns server", dnsErr)

		services = append(services, dnsSrv)
	}

	metrics.SetUpGauge(version.Version(), runtime.Version())

	if cfg.Prometheus != nil {
		go serveMetrics(cfg.Prometheus.Addr, cfg.Prometheus.Port)
	}

	sigHandler := newSignalHandler(services...)
	status := sigHandler.handle()

	sentry.Flush(sentryFlushTimeout)

	os.Exit(status)
}

// initSentry enables the error reporting if dsn is not empty.
func initSentry(dsn string) (err error) {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: version.Version(),
	})
}

// check reports err and exits the program if err is not nil.
func check(operationName string, err error) {
	if err != nil {
		log.Error("failed to %s: %v", operationName, err)

		sentry.CaptureException(fmt.Errorf("%s: %w", operationName, err))
		sentry.Flush(sentryFlushTimeout)

		os.Exit(statusError)
	}
}

// serveMetrics starts the HTTP server with the prometheus metrics and the
// health check.
func serveMetrics(listenAddr string, port uint16) {
	metricsAddr := netutil.JoinHostPort(listenAddr, port)
	log.Info("Starting metrics at %s", metricsAddr)

	mux := &http.ServeMux{}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health-check", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})

	srv := &http.Server{
		Addr:         metricsAddr,
		Handler:      mux,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}

	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("Metrics failed to listen to %s: %v", metricsAddr, err)
	}
}

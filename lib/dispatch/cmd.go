// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/julienschmidt/httprouter"
	_ "github.com/lib/pq"
	"github.com/opendatacube/WOFLs-orchestration/lib/cmd"
	"github.com/opendatacube/WOFLs-orchestration/lib/config"
	"github.com/opendatacube/WOFLs-orchestration/lib/ctxlog"
	"github.com/opendatacube/WOFLs-orchestration/lib/kubejob"
	"github.com/opendatacube/WOFLs-orchestration/lib/sqsqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Command runs the dispatch loop service.
var Command cmd.Handler = cmd.HandlerFunc(runCommand)

func runCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", config.DefaultConfigFile, "`path` to YAML configuration file")
	dryRun := flags.Bool("dry-run", false, "render and validate one batch of messages without submitting or acknowledging anything")
	exitOnEmpty := flags.Bool("exit-on-empty", false, "exit successfully once the queue is empty and no job is in flight")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}

	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel).WithField("PID", os.Getpid())
	dispatcherID := uuid.NewString()
	logger = logger.WithField("DispatcherID", dispatcherID)
	ctx := ctxlog.Context(context.Background(), logger)

	queue, err := sqsqueue.New(ctx, cfg.QueueURL, logger)
	if err != nil {
		logger.WithError(err).Error("error setting up queue client")
		return 1
	}

	reg := prometheus.NewRegistry()
	disp := &Dispatcher{
		Cfg:         cfg,
		Queue:       queue,
		Launcher:    kubejob.New(logger, dispatcherID, *dryRun),
		Logger:      logger,
		Registry:    reg,
		DryRun:      *dryRun,
		ExitOnEmpty: *exitOnEmpty,
	}

	probeIndexDB(ctx, cfg)

	if cfg.ManagementAddr != "" {
		go serveManagement(cfg.ManagementAddr, reg, logger)
	}

	sigctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = disp.Run(sigctx)
	if err != nil && err != context.Canceled {
		logger.WithError(err).Error("dispatch loop failed")
		return 1
	}
	return 0
}

// probeIndexDB checks that the datacube index database handed to each
// job is actually reachable. Failure is logged, not fatal: the
// dispatcher can still run, and the jobs will report their own
// errors.
func probeIndexDB(ctx context.Context, cfg *config.Config) {
	logger := ctxlog.FromContext(ctx)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DB.DSN())
	if err != nil {
		logger.WithError(err).WithField("DBHostname", cfg.DB.Hostname).
			Warn("datacube index database is not reachable, jobs may fail to index their results")
		return
	}
	db.Close()
	logger.WithField("DBHostname", cfg.DB.Hostname).Debug("datacube index database is reachable")
}

func serveManagement(addr string, reg *prometheus.Registry, logger logrus.FieldLogger) {
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"health":"OK"}`)
	})
	logger.Printf("management server listening at %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("management server: %s", err)
	}
}

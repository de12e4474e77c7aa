// Command kernel runs the governed upgrade pipeline daemon: dependency graph,
// validation consensus, proposal consensus and the timelock, behind one HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/kernel_layer/internal/app/runtime"
	"github.com/R3E-Network/kernel_layer/internal/config"
	"github.com/R3E-Network/kernel_layer/internal/platform/migrations"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment (missing file is ignored)")
	addr := flag.String("addr", "", "HTTP listen address (overrides KERNEL_HTTP_ADDR)")
	pipelineFile := flag.String("pipeline", "", "pipeline bootstrap YAML (overrides KERNEL_PIPELINE_FILE)")
	dsn := flag.String("dsn", "", "Postgres DSN (overrides KERNEL_DATABASE_DSN; empty keeps state in memory)")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(*pipelineFile); v != "" {
		cfg.PipelineFile = v
	}
	if v := strings.TrimSpace(*dsn); v != "" {
		cfg.Database.DSN = v
	}

	log := logger.New(cfg.LoggerConfig())

	if *migrateOnly {
		if err := runMigrations(cfg, log); err != nil {
			log.WithError(err).Fatal("migrate")
		}
		return
	}

	pipeline, err := config.LoadPipelineConfig(cfg.PipelineFile)
	if err != nil {
		log.WithError(err).Fatal("load pipeline config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication(ctx, cfg, pipeline, runtime.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("build application")
	}
	log.WithFields(logrus.Fields{
		"addr":     cfg.HTTP.Addr,
		"database": cfg.UsesDatabase(),
		"redis":    cfg.Redis.Addr != "",
		"services": app.Services(),
	}).Info("kernel starting")

	if err := app.Run(ctx); err != nil {
		log.WithError(err).Error("kernel stopped with error")
		os.Exit(1)
	}
	log.Info("kernel stopped")
}

func runMigrations(cfg config.Config, log *logger.Logger) error {
	if !cfg.UsesDatabase() {
		return fmt.Errorf("migrations need KERNEL_DATABASE_DSN or -dsn")
	}
	db, err := runtime.OpenDatabase(context.Background(), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Up(db, log.Named("migrations"))
}

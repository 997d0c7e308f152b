// Command cbpd exposes the CBP controller to the supervisory network: it
// serves status snapshots and a websocket command/event stream over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/beamcal/cbp_interface/cbp"
)

var configFile = flag.String("config", "", "path to a yaml config file")

type config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`
	// LogFile switches logging from stderr to a rotated file.
	LogFile string `mapstructure:"log_file"`
	// AutoEnable connects and enables the device at startup instead of
	// waiting for a supervisory start command.
	AutoEnable bool       `mapstructure:"auto_enable"`
	CBP        cbp.Config `mapstructure:"cbp"`
}

func loadConfig() (config, error) {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("auto_enable", false)
	v.SetDefault("cbp.port", 5000)
	v.SetDefault("cbp.simulator_host", "127.0.0.1")
	v.SetDefault("cbp.simulator_port", 5000)
	v.SetDefault("cbp.simulation_mode", false)
	v.SetDefault("cbp.connect_timeout", "5s")
	v.SetDefault("cbp.response_timeout", "5s")
	v.SetDefault("cbp.long_response_timeout", "30s")
	v.SetDefault("cbp.telemetry_period", "500ms")
	v.SetDefault("cbp.retry.interval", "1s")
	v.SetDefault("cbp.retry.max_attempts", 5)

	v.SetEnvPrefix("CBPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return config{}, err
		}
	}
	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
		})
	}
	return log
}

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := NewServer(log)
	c, err := cbp.New(cfg.CBP, srv.Events(), log)
	if err != nil {
		log.WithError(err).Fatal("building controller")
	}
	srv.SetController(c)

	if cfg.AutoEnable {
		if err := c.Start(ctx); err != nil {
			log.WithError(err).Error("auto start failed")
		} else if err := c.Enable(); err != nil {
			log.WithError(err).Error("auto enable failed")
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", srv.StatusHandler).Methods("GET")
	r.HandleFunc("/api/command", srv.CommandHandler).Methods("POST")
	r.HandleFunc("/api/ws", srv.StatusSocketHandler)

	httpSrv := &http.Server{
		Handler:     r,
		Addr:        cfg.Listen,
		ReadTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Listen).Info("listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(sctx)
		return c.Standby()
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("exiting")
	}
}

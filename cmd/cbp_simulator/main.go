// Command cbp_simulator runs the CBP device simulator as a standalone
// process, for exercising cbpd (or the real CSC) without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/beamcal/cbp_interface/simulator"
)

var addr = flag.String("addr", "127.0.0.1:5000", "address to listen on")

func main() {
	flag.Parse()
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := simulator.Listen(*addr, log)
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("serving")
	}
}

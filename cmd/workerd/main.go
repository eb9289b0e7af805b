// Command workerd is the worker process entrypoint: it inherits the
// data and control file descriptors a mux process set up before exec,
// connects to its single upstream database session, and runs the
// request loop until the data channel closes, a lifecycle limit is
// reached, or it's asked to shut down.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shardstore/occworker/calclient"
	"github.com/shardstore/occworker/config"
	"github.com/shardstore/occworker/driverfacade"
	"github.com/shardstore/occworker/worker"
)

func main() {
	cfg := config.LoadConfigFromFlags()

	if cfg.DebugWaitOnStart {
		log.Printf("[workerd] pid %d waiting for SIGCONT before starting", os.Getpid())
		waitForContinue()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	dataFD := os.NewFile(uintptr(cfg.DataFD), "data-channel")
	controlFD := os.NewFile(uintptr(cfg.ControlFD), "control-channel")
	if dataFD == nil || controlFD == nil {
		log.Fatalf("[workerd] inherited file descriptors %d/%d are not open", cfg.DataFD, cfg.ControlFD)
	}

	driver := driverfacade.New()
	if err := driver.Connect(ctx, cfg.DBDSN); err != nil {
		log.Fatalf("[workerd] connecting to upstream database: %v", err)
	}
	defer driver.Disconnect()

	cal := newCALClient(cfg)
	defer cal.Close()

	w := worker.New(cfg, dataFD, controlFD, driver, cal)
	go w.RunStatusLog(ctx, cfg.KeepaliveInterval*4)

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("[workerd] request loop exited with error: %v", err)
	}
}

// newCALClient wires the AMQP telemetry sink when configured, falling
// back to the log sink rather than blocking worker startup on
// telemetry infrastructure being reachable.
func newCALClient(cfg *config.WorkerConfig) *calclient.Client {
	if !cfg.CALEnabled || cfg.CALAMQPURL == "" {
		return calclient.New(cfg.CALSessName, nil)
	}
	sink, err := calclient.NewAMQPSink(cfg.CALAMQPURL)
	if err != nil {
		log.Printf("[workerd] CAL AMQP sink unavailable, falling back to log sink: %v", err)
		return calclient.New(cfg.CALSessName, nil)
	}
	return calclient.New(cfg.CALSessName, sink)
}

// waitForContinue blocks until the process receives SIGCONT, giving an
// operator time to attach a debugger to a freshly spawned worker.
func waitForContinue() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGCONT)
	<-ch
	signal.Stop(ch)
}

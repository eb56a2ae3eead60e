// Command lora-recv receives a file over the LoRa AT radio link and
// writes it to disk. The transfer core only returns the assembled
// payload; persisting it is left to the caller.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aelmosalamy/lora-image-link/pkg/atadapter"
	"github.com/aelmosalamy/lora-image-link/pkg/serialport"
	"github.com/aelmosalamy/lora-image-link/pkg/telemetry"
	"github.com/aelmosalamy/lora-image-link/pkg/transfer"
)

var (
	port            = flag.String("port", "", "serial device path (required)")
	baud            = flag.Int("baud", serialport.DefaultBaud, "serial baud rate")
	configure       = flag.Bool("configure", false, "send the radio configuration script before listening")
	frequency       = flag.Int("frequency", 868, "radio frequency in MHz")
	spreadingFactor = flag.Int("sf", 7, "spreading factor [6,14]")
	bandwidth       = flag.Int("bandwidth", 250, "bandwidth in kHz (250 or 500)")
	powerDBm        = flag.Int("dbm", 14, "transmit power in dBm [13,22]")
	verbose         = flag.Bool("verbose", false, "verbose radio logging")

	out = flag.String("out", "received.bin", "path to write the received payload")

	telemetryRedisAddr = flag.String("telemetry-redis-addr", "", "optional Redis address for progress telemetry")
	telemetryRedisPass = flag.String("telemetry-redis-pass", "", "Redis password for telemetry")
	sessionID          = flag.String("session-id", "recv", "identifier used in the telemetry channel name")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *port == "" {
		log.Fatalf("-port is required")
	}

	cfg := transfer.RFConfig{
		Frequency:       *frequency,
		SpreadingFactor: *spreadingFactor,
		Bandwidth:       *bandwidth,
		PowerDBm:        *powerDBm,
		BaudRate:        *baud,
		Verbose:         *verbose,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid radio configuration: %v", err)
	}

	link, err := serialport.Open(*port, *baud)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *port, err)
	}
	defer link.Close()
	log.Printf("Connected to serial port (%s)", *port)

	adapter := atadapter.New(link)

	if *configure {
		log.Printf("Sending configuration")
		if err := adapter.Configure(cfg.Script()); err != nil {
			log.Fatalf("configuration rejected: %v", err)
		}
		log.Printf("Configured")
	}

	recvOpts := []transfer.ReceiverOption{}
	var redisSink *telemetry.RedisSink
	if *telemetryRedisAddr != "" {
		redisSink, err = telemetry.NewRedisSink(*telemetryRedisAddr, *telemetryRedisPass, 0, *sessionID)
		if err != nil {
			log.Printf("Warning: telemetry disabled: %v", err)
		} else {
			defer redisSink.Close()
			recvOpts = append(recvOpts, transfer.WithReceiverProgressSink(redisSink))
		}
	}

	receiver := transfer.NewReceiverFSM(adapter, recvOpts...)
	cancel := &transfer.CancelFlag{}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Interrupt received, cancelling receive")
		cancel.Cancel()
	}()

	log.Printf("Listening...")
	result, err := receiver.Receive(cancel)
	if err != nil {
		log.Fatalf("receive failed: %v", err)
	}

	if err := os.WriteFile(*out, result.Payload, 0o644); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}

	fmt.Printf("Received %d bytes (%dx%d) over %d segment(s) in %s, saved to %s\n",
		result.Stats.BytesTransferred, result.Width, result.Height, result.Stats.Segments, result.Stats.Duration, *out)
}

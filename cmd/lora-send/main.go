// Command lora-send transmits a file over the LoRa AT radio link.
//
// It is a thin CLI wiring serial I/O, AT framing, and the sender state
// machine together. It does not enumerate ports or decode images: the
// port path and the width/height descriptors are passed as flags.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aelmosalamy/lora-image-link/pkg/atadapter"
	"github.com/aelmosalamy/lora-image-link/pkg/serialport"
	"github.com/aelmosalamy/lora-image-link/pkg/telemetry"
	"github.com/aelmosalamy/lora-image-link/pkg/transfer"
)

var (
	port            = flag.String("port", "", "serial device path (required)")
	baud            = flag.Int("baud", serialport.DefaultBaud, "serial baud rate")
	configure       = flag.Bool("configure", false, "send the radio configuration script before transmitting")
	frequency       = flag.Int("frequency", 868, "radio frequency in MHz")
	spreadingFactor = flag.Int("sf", 7, "spreading factor [6,14]")
	bandwidth       = flag.Int("bandwidth", 250, "bandwidth in kHz (250 or 500)")
	powerDBm        = flag.Int("dbm", 14, "transmit power in dBm [13,22]")
	verbose         = flag.Bool("verbose", false, "verbose radio logging")

	file   = flag.String("file", "", "path to the payload file (required)")
	width  = flag.Int("width", 0, "opaque width descriptor carried alongside the payload")
	height = flag.Int("height", 0, "opaque height descriptor carried alongside the payload")

	simulateLoss = flag.Float64("simulate-loss", 0, "diagnostic: drop non-header chunks with this probability")

	telemetryRedisAddr = flag.String("telemetry-redis-addr", "", "optional Redis address for progress telemetry")
	telemetryRedisPass = flag.String("telemetry-redis-pass", "", "Redis password for telemetry")
	sessionID          = flag.String("session-id", "send", "identifier used in the telemetry channel name")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *port == "" || *file == "" {
		log.Fatalf("both -port and -file are required")
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

	payload, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("failed to read %s: %v", *file, err)
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

	sinkOpts := []transfer.SenderOption{}
	var redisSink *telemetry.RedisSink
	if *telemetryRedisAddr != "" {
		redisSink, err = telemetry.NewRedisSink(*telemetryRedisAddr, *telemetryRedisPass, 0, *sessionID)
		if err != nil {
			log.Printf("Warning: telemetry disabled: %v", err)
		} else {
			defer redisSink.Close()
			sinkOpts = append(sinkOpts, transfer.WithProgressSink(redisSink))
		}
	}
	if *simulateLoss > 0 {
		sinkOpts = append(sinkOpts, transfer.WithLossSimulation(*simulateLoss, rand.New(rand.NewSource(time.Now().UnixNano()))))
	}

	sender := transfer.NewSenderFSM(adapter, sinkOpts...)
	cancel := &transfer.CancelFlag{}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Interrupt received, cancelling transfer")
		cancel.Cancel()
	}()

	log.Printf("Transmitting %d bytes (%dx%d)", len(payload), *width, *height)
	stats, err := sender.Transmit(payload, uint32(*width), uint32(*height), cancel)
	if err != nil {
		log.Fatalf("transfer failed: %v", err)
	}

	fmt.Printf("Sent %d bytes over %d segment(s) in %s\n", stats.BytesTransferred, stats.Segments, stats.Duration)
}

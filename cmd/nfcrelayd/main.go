// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nfcrelayd runs the NFC relay engine against two serial ports,
// forwarding APDUs between a reader and a card emulator while
// publishing latency and throughput metrics to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	relay "github.com/bombercat-project/nfc-relay-engine"
	"github.com/bombercat-project/nfc-relay-engine/latency"
	"github.com/bombercat-project/nfc-relay-engine/metrics"
	"github.com/bombercat-project/nfc-relay-engine/pipeline"
	serialport "github.com/bombercat-project/nfc-relay-engine/transport/serial"
)

type config struct {
	clientPort  string
	hostPort    string
	baud        int
	debug       bool
	autoRestart bool
}

var (
	flagClientPort  string
	flagHostPort    string
	flagBaud        int
	flagDebug       bool
	flagAutoRestart bool
)

func init() {
	flag.StringVar(&flagClientPort, "client-port", "", "OS-native serial port for the reader endpoint (required)")
	flag.StringVar(&flagHostPort, "host-port", "", "OS-native serial port for the card-emulator endpoint (required)")
	flag.IntVar(&flagBaud, "baud", serialport.DefaultBaudRate, "baud rate for both endpoints")
	flag.BoolVar(&flagDebug, "debug", false, "enable debug output")
	flag.BoolVar(&flagAutoRestart, "auto-restart", false, "restart the relay after a fatal pipeline error")
}

func parseConfig() *config {
	cfg := &config{
		clientPort:  flagClientPort,
		hostPort:    flagHostPort,
		baud:        flagBaud,
		debug:       flagDebug,
		autoRestart: flagAutoRestart,
	}
	if cfg.debug {
		relay.SetDebugEnabled(true)
	}
	return cfg
}

// buildPipelines opens both serial ports and wires a linked pair of
// direction pipelines around the given shared meter, exchange, and
// publisher. The initial open retries transient failures (a port briefly
// held by another process at startup) with the relay's connection-retry
// policy; a later I/O failure on an already-open port instead goes
// through the pipeline's own reconnect loop.
func buildPipelines(ctx context.Context, relayCfg *relay.Config, meter *latency.Meter, exchange *pipeline.Exchange, publisher *metrics.Publisher) (relay.Pipeline, relay.Pipeline, error) {
	clientPort, err := serialport.OpenWithRetry(ctx, relayCfg.ClientPort, relayCfg.BaudRate)
	if err != nil {
		return nil, nil, fmt.Errorf("open client port %s: %w", relayCfg.ClientPort, err)
	}

	hostPort, err := serialport.OpenWithRetry(ctx, relayCfg.HostPort, relayCfg.BaudRate)
	if err != nil {
		_ = clientPort.Close()
		return nil, nil, fmt.Errorf("open host port %s: %w", relayCfg.HostPort, err)
	}

	reopen := func(name string, baud int) (pipeline.Transport, error) {
		return serialport.Open(name, baud)
	}

	clientToHost := pipeline.New(pipeline.ClientToHost, relayCfg, clientPort, meter, exchange, publisher, reopen)
	hostToClient := pipeline.New(pipeline.HostToClient, relayCfg, hostPort, meter, exchange, publisher, reopen)
	clientToHost.Link(hostToClient)
	hostToClient.Link(clientToHost)

	return clientToHost, hostToClient, nil
}

func run(ctx context.Context, cfg *config) error {
	if cfg.clientPort == "" || cfg.hostPort == "" {
		return errors.New("client-port and host-port are both required")
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.ClientPort = cfg.clientPort
	relayCfg.HostPort = cfg.hostPort
	relayCfg.BaudRate = cfg.baud
	relayCfg.AutoRestart = cfg.autoRestart

	meter := latency.NewMeter(relayCfg.LatencyWindowSize, relayCfg.LatencyThresholdNs)
	exchange := pipeline.NewExchange()
	publisher := metrics.NewPublisher()

	client, host, err := buildPipelines(ctx, relayCfg, meter, exchange, publisher)
	if err != nil {
		return err
	}

	var factory relay.Factory
	if cfg.autoRestart {
		factory = func() (relay.Pipeline, relay.Pipeline, error) {
			return buildPipelines(ctx, relayCfg, meter, exchange, publisher)
		}
	}

	coordinator := relay.NewCoordinator(relayCfg, client, host, meter, publisher, factory)
	coordinator.SetErrorHandler(func(err error) {
		_, _ = fmt.Fprintf(os.Stderr, "relay fault: %v\n", err)
	})

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	events, err := coordinator.Subscribe("nfcrelayd")
	if err != nil {
		return fmt.Errorf("subscribe to relay events: %w", err)
	}

	go printEvents(events)

	<-ctx.Done()
	_, _ = fmt.Println("\nShutting down gracefully...")
	_ = coordinator.Stop()

	return ctx.Err()
}

func printEvents(events <-chan metrics.Event) {
	for ev := range events {
		switch v := ev.(type) {
		case metrics.Snapshot:
			fmt.Printf("seq=%d frames=%d rx=%d tx=%d p50=%.0fns p99=%.0fns\n",
				v.Seq, v.Frames, v.BytesRx, v.BytesTx, v.Latency.P50, v.Latency.P99)
		case metrics.HighLatency:
			fmt.Printf("high latency: %dns on %s (%s)\n", v.SampleNs, v.Direction, v.Fingerprint)
		case metrics.FramingError:
			fmt.Printf("framing error: %s on %s\n", v.Kind, v.Direction)
		case metrics.PortUnavailable:
			fmt.Printf("port unavailable: %s\n", v.Direction)
		case metrics.Restarted:
			fmt.Printf("relay restarted: %s\n", v.Reason)
		}
	}
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

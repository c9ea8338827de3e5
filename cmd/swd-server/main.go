package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	swd "github.com/samsamfire/goswd"
)

var DEFAULT_SWDIO_PIN = "GPIO0"
var DEFAULT_SWCLK_PIN = "GPIO1"

func main() {
	log.SetLevel(log.InfoLevel)
	// Command line arguments
	swdioName := flag.String("swdio", DEFAULT_SWDIO_PIN, "SWDIO pin name e.g. GPIO0")
	swclkName := flag.String("swclk", DEFAULT_SWCLK_PIN, "SWCLK pin name e.g. GPIO1")
	configPath := flag.String("c", "goswd.ini", "config file path")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	// Initialize the periph host drivers, this registers the GPIO pins
	if _, err := host.Init(); err != nil {
		fmt.Printf("could not initialize gpio host : %v\n", err)
		os.Exit(1)
	}
	swdioPin := gpioreg.ByName(*swdioName)
	swclkPin := gpioreg.ByName(*swclkName)
	if swdioPin == nil || swclkPin == nil {
		fmt.Printf("unknown pin name %v / %v\n", *swdioName, *swclkName)
		os.Exit(1)
	}

	config, err := swd.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("error encountered when loading config : %v\n", err)
		os.Exit(1)
	}

	swdIf := swd.NewInterfaceFromPins(
		swd.NewGpioPin(swdioPin),
		swd.NewGpioPin(swclkPin),
		nil,
	)
	target := swd.NewTarget(swdIf, config.Settings)
	target.SetConfigPath(*configPath)

	if config.BinaryOn {
		addr := fmt.Sprintf(":%d", config.BinaryPort)
		if err := target.ListenBinary(addr); err != nil {
			fmt.Printf("could not listen on %v : %v\n", addr, err)
			os.Exit(1)
		}
	}

	// Log lifecycle transitions
	events := make(chan swd.Event, 4)
	target.Subscribe(events)
	go func() {
		for event := range events {
			switch event.Kind {
			case swd.EventStart:
				log.Infof("[MAIN] target up : %v", event.Mcu)
			case swd.EventStop:
				log.Info("[MAIN] target down")
			}
		}
	}()

	go target.Process()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("[MAIN] shutting down")
	target.Stop()
}

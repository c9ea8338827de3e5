package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	swd "github.com/samsamfire/goswd"
)

// Small binary API client : reads or writes a DP/AP register, or pings
// the probe.
//
//	swd-client -a probe:4146 ping
//	swd-client -a probe:4146 dp read 0x0
//	swd-client -a probe:4146 ap write 0x04 0x20000000
func main() {
	log.SetLevel(log.WarnLevel)
	addr := flag.String("a", fmt.Sprintf("localhost:%d", swd.BinaryPort), "probe address")
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	client, err := swd.Dial(*addr)
	if err != nil {
		fmt.Printf("could not connect to %v : %v\n", *addr, err)
		os.Exit(1)
	}
	defer client.Disconnect()

	switch args[0] {
	case "ping":
		err = client.Ping()
		fmt.Println("pong")
	case "reset":
		err = client.ResetTarget()
	case "dp", "ap":
		if len(args) < 3 {
			usage()
		}
		reg := parseValue(args[2])
		switch args[1] {
		case "read":
			var data uint32
			if args[0] == "dp" {
				data, err = client.DpRead(uint8(reg))
			} else {
				data, err = client.ApRead(uint8(reg))
			}
			if err == nil {
				fmt.Printf("0x%08X\n", data)
			}
		case "write":
			if len(args) < 4 {
				usage()
			}
			data := parseValue(args[3])
			if args[0] == "dp" {
				err = client.DpWrite(uint8(reg), data)
			} else {
				err = client.ApWrite(uint8(reg), data)
			}
		default:
			usage()
		}
	default:
		usage()
	}

	if err != nil {
		fmt.Printf("request failed : %v\n", err)
		os.Exit(1)
	}
}

func parseValue(s string) uint32 {
	value, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		fmt.Printf("invalid value %v\n", s)
		os.Exit(1)
	}
	return uint32(value)
}

func usage() {
	fmt.Println("usage: swd-client [-a addr] ping|reset|dp read <reg>|dp write <reg> <value>|ap read <reg>|ap write <reg> <value>")
	os.Exit(1)
}

package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"

	"github.com/beamlink/beamlink/internal/cli/receiver"
	"github.com/beamlink/beamlink/internal/cli/sender"
)

const version = "v0.3.1"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "send":
		sender.Run(os.Args[2:], version)
	case "recv":
		receiver.Run(os.Args[2:], version)
	case "version":
		fmt.Println("beamlink " + version)
	case "help", "-h", "--help":
		printUsage()
	default:
		pterm.Error.Printfln("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Print(`beamlink - peer-to-peer file transfer

Usage:
  beamlink send [flags] <file>...   share files (LAN by default)
  beamlink recv [flags]             receive files
  beamlink version                  print version

Common flags:
  -remote            use the brokered remote channel instead of LAN TCP
  -save-dir DIR      where received files land (recv)
  -address HOST      sender address to connect to (recv, LAN)
  -code XXX-XXX      session code (recv)
  -port N            listener port, 0 = ephemeral (send, LAN)
  -server-url URL    rendezvous broker (remote mode)
  -peer-id ID        this peer's identity (remote mode)
  -remote-peer ID    peer to dial (remote mode)
  -log-level LEVEL   debug, info, warn, error
`)
}

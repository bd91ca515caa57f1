package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"CELL-SOCK/pkg/atcmd"
	"CELL-SOCK/pkg/cellsock"
	"CELL-SOCK/pkg/modemsim"
	"CELL-SOCK/pkg/repl"
)

func main() {
	if len(os.Args) != 3 && !(len(os.Args) == 2 && os.Args[1] == "--sim") {
		fmt.Printf("Usage: %s --serial <device> | --sim\n", os.Args[0])
		os.Exit(1)
	}

	logrus.SetLevel(logrus.WarnLevel)
	if os.Getenv("CELLSH_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var stream io.ReadWriteCloser
	switch os.Args[1] {
	case "--sim":
		stream = modemsim.New().Endpoint()
	case "--serial":
		dialer := atcmd.SerialDialer{
			PortName: os.Args[2],
			Mode:     &serial.Mode{BaudRate: 115200},
		}
		var err error
		stream, err = dialer.Dial()
		if err != nil {
			fmt.Printf("Could not open %s: %v\n", os.Args[2], err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Usage: %s --serial <device> | --sim\n", os.Args[0])
		os.Exit(1)
	}

	channel := atcmd.New(stream)
	defer channel.Close()
	stack := cellsock.New(channel)

	repl.StartRepl(stack)
	stack.Deinit()
}

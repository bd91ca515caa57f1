// Package repl is an interactive shell for poking at the socket layer:
// create sockets, connect them, move data and watch their state.
package repl

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"CELL-SOCK/pkg/cellsock"
	"CELL-SOCK/pkg/sockaddr"
)

// StartRepl reads commands from stdin until EOF or "quit".
func StartRepl(stack *cellsock.Stack) {
	reader := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !reader.Scan() {
			break
		}
		input := strings.TrimSpace(reader.Text())
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			break
		}
		runCommand(stack, input)
	}
}

func runCommand(stack *cellsock.Stack, input string) {
	parts := strings.SplitN(input, " ", 4)
	switch parts[0] {
	case "ls":
		listSockets(stack)
	case "create":
		create(stack, parts[1:])
	case "connect":
		connect(stack, parts[1:])
	case "send":
		send(stack, parts[1:])
	case "recv":
		recv(stack, parts[1:])
	case "sendto":
		sendTo(stack, parts[1:])
	case "recvfrom":
		recvFrom(stack, parts[1:])
	case "close":
		closeSock(stack, parts[1:])
	case "cleanup":
		stack.CleanUp()
	case "host":
		host(stack, parts[1:])
	case "help":
		usage()
	default:
		fmt.Println("Unknown command, try help")
	}
}

func usage() {
	fmt.Println(`ls                            list sockets
create tcp|udp                create a socket
connect <sock> <host:port>    connect a socket; host may be a name
send <sock> <message>         send on a connected TCP socket
recv <sock> <numbytes>        receive from a TCP socket
sendto <sock> <host:port> <message>   send a UDP datagram
recvfrom <sock> <numbytes>    receive a UDP datagram
close <sock>                  close a socket
cleanup                       reclaim closed sockets
host <name>                   look a host name up
quit`)
}

// resolveAddress turns a destination argument into an address: a
// literal IP with optional port is taken as is, anything else is
// treated as a host name (again with optional port) and resolved
// through the modem's DNS.
func resolveAddress(stack *cellsock.Stack, s string) (sockaddr.Address, error) {
	if addr, err := sockaddr.Parse(s); err == nil {
		return addr, nil
	}
	port := sockaddr.PortFromDomain(s)
	if port < 0 {
		port = 0
	}
	ip, err := stack.GetHostByName(sockaddr.TrimPort(s))
	if err != nil {
		return sockaddr.Address{}, err
	}
	return sockaddr.Address{IP: ip, Port: uint16(port)}, nil
}

func parseDescriptor(s string) (cellsock.Descriptor, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		fmt.Printf("Bad socket number %q\n", s)
		return 0, false
	}
	return cellsock.Descriptor(n), true
}

func listSockets(stack *cellsock.Stack) {
	w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Sock\tProto\tState\tRemote\tPending")
	for _, info := range stack.Sockets() {
		proto := "tcp"
		if info.Protocol == cellsock.ProtocolUDP {
			proto = "udp"
		}
		remote := ""
		if info.Remote.IsValid() {
			remote = info.Remote.String()
		}
		fmt.Fprintln(w, fmt.Sprint(info.Descriptor)+"\t"+proto+"\t"+
			info.State.String()+"\t"+remote+"\t"+fmt.Sprint(info.PendingBytes))
	}
	w.Flush()
}

func create(stack *cellsock.Stack, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: create tcp|udp")
		return
	}
	typ, proto := cellsock.TypeStream, cellsock.ProtocolTCP
	if args[0] == "udp" {
		typ, proto = cellsock.TypeDgram, cellsock.ProtocolUDP
	} else if args[0] != "tcp" {
		fmt.Println("Usage: create tcp|udp")
		return
	}
	d, err := stack.Create(typ, proto)
	if err != nil {
		fmt.Printf("Create failed: %v\n", err)
		return
	}
	fmt.Printf("Created socket %d\n", d)
}

func connect(stack *cellsock.Stack, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: connect <sock> <addr:port>")
		return
	}
	d, ok := parseDescriptor(args[0])
	if !ok {
		return
	}
	remote, err := resolveAddress(stack, args[1])
	if err != nil {
		fmt.Printf("Bad destination %q: %v\n", args[1], err)
		return
	}
	if err := stack.Connect(d, remote); err != nil {
		fmt.Printf("Connect failed: %v\n", err)
		return
	}
	fmt.Println("Connected")
}

func send(stack *cellsock.Stack, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: send <sock> <message>")
		return
	}
	d, ok := parseDescriptor(args[0])
	if !ok {
		return
	}
	n, err := stack.Write(d, []byte(args[1]))
	if err != nil {
		fmt.Printf("Send failed after %d bytes: %v\n", n, err)
		return
	}
	fmt.Printf("Sent %d bytes\n", n)
}

func recv(stack *cellsock.Stack, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: recv <sock> <numbytes>")
		return
	}
	d, ok := parseDescriptor(args[0])
	if !ok {
		return
	}
	size, err := strconv.Atoi(args[1])
	if err != nil || size <= 0 {
		fmt.Println("Bad byte count")
		return
	}
	buf := make([]byte, size)
	n, err := stack.Read(d, buf)
	if err != nil {
		fmt.Printf("Receive failed: %v\n", err)
		return
	}
	fmt.Printf("Received %d bytes: %s\n", n, buf[:n])
}

func sendTo(stack *cellsock.Stack, args []string) {
	if len(args) != 3 {
		fmt.Println("Usage: sendto <sock> <addr:port> <message>")
		return
	}
	d, ok := parseDescriptor(args[0])
	if !ok {
		return
	}
	remote, err := resolveAddress(stack, args[1])
	if err != nil {
		fmt.Printf("Bad destination %q: %v\n", args[1], err)
		return
	}
	n, err := stack.SendTo(d, &remote, []byte(args[2]))
	if err != nil {
		fmt.Printf("Send failed: %v\n", err)
		return
	}
	fmt.Printf("Sent %d bytes\n", n)
}

func recvFrom(stack *cellsock.Stack, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: recvfrom <sock> <numbytes>")
		return
	}
	d, ok := parseDescriptor(args[0])
	if !ok {
		return
	}
	size, err := strconv.Atoi(args[1])
	if err != nil || size <= 0 {
		fmt.Println("Bad byte count")
		return
	}
	buf := make([]byte, size)
	n, from, err := stack.ReceiveFrom(d, buf)
	if err != nil {
		fmt.Printf("Receive failed: %v\n", err)
		return
	}
	fmt.Printf("Received %d bytes from %s: %s\n", n, from.String(), buf[:n])
}

func closeSock(stack *cellsock.Stack, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: close <sock>")
		return
	}
	d, ok := parseDescriptor(args[0])
	if !ok {
		return
	}
	if err := stack.Close(d); err != nil {
		fmt.Printf("Close failed: %v\n", err)
		return
	}
	fmt.Println("Closed")
}

func host(stack *cellsock.Stack, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: host <name>")
		return
	}
	addr, err := stack.GetHostByName(args[0])
	if err != nil {
		fmt.Printf("Lookup failed: %v\n", err)
		return
	}
	fmt.Println(addr.String())
}

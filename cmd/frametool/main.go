// Command frametool is an interactive REPL for hand-composing frames
// against a worker's data and control channels, for debugging a wire
// capture or a misbehaving worker without going through a real mux.
//
// It dials two unix sockets standing in for the worker's inherited
// data/control file descriptors — wire up a worker under test with
// socketpair-backed fds bound to these paths and point this tool at
// the other end.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/shardstore/occworker/protocol"
)

func main() {
	dataAddr := flag.String("data", "", "unix socket path for the data channel")
	controlAddr := flag.String("control", "", "unix socket path for the control channel")
	flag.Parse()

	if *dataAddr == "" {
		log.Fatal("[frametool] -data is required")
	}

	dataConn, err := net.Dial("unix", *dataAddr)
	if err != nil {
		log.Fatalf("[frametool] dialing data channel: %v", err)
	}
	defer dataConn.Close()

	dataW := protocol.NewWriter(dataConn)
	dataR := protocol.NewReader(dataConn)

	var controlW *protocol.Writer
	if *controlAddr != "" {
		controlConn, err := net.Dial("unix", *controlAddr)
		if err != nil {
			log.Fatalf("[frametool] dialing control channel: %v", err)
		}
		defer controlConn.Close()
		controlW = protocol.NewWriter(controlConn)
	}

	go readLoop(dataR)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "frame> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		log.Fatalf("[frametool] readline: %v", err)
	}
	defer rl.Close()

	printHelp()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Fatalf("[frametool] reading input: %v", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := runCommand(line, dataW, controlW); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func runCommand(line string, dataW *protocol.Writer, controlW *protocol.Writer) error {
	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "help":
		printHelp()
		return nil

	case "send":
		if len(fields) < 2 {
			return fmt.Errorf("usage: send <code> [payload]")
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid code %q: %w", fields[1], err)
		}
		var payload []byte
		if len(fields) == 3 {
			payload = []byte(fields[2])
		}
		if err := dataW.WriteFrame(code, payload); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
		return nil

	case "interrupt":
		if controlW == nil {
			return fmt.Errorf("no control channel connected, pass -control")
		}
		if len(fields) < 2 {
			return fmt.Errorf("usage: interrupt <seq>")
		}
		seq, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid sequence number %q: %w", fields[1], err)
		}
		payload := protocol.EncodeControlInterrupt(protocol.ControlInterrupt{Break: true, SeqNum: uint32(seq)})
		if err := controlW.WriteFrame(protocol.CmdControlMsg, payload); err != nil {
			return fmt.Errorf("writing control frame: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q, type help", fields[0])
	}
}

// readLoop prints every frame the worker writes back, decoding CmdEOR
// frames into their status/sequence/inner form instead of dumping raw
// bytes.
func readLoop(r *protocol.Reader) {
	for {
		f, err := r.ReadFrame()
		if err != nil {
			fmt.Printf("\n[data channel closed: %v]\n", err)
			return
		}
		printFrame(f)
	}
}

func printFrame(f protocol.Frame) {
	if f.IsGroup() {
		fmt.Printf("\n<- group (%d members)\n", len(f.Sub))
		for _, m := range f.Sub {
			fmt.Printf("     code=%d payload=%q\n", m.Code, m.Payload)
		}
		return
	}
	if f.Code == protocol.CmdEOR {
		m, err := protocol.DecodeEOR(f.Payload)
		if err != nil {
			fmt.Printf("\n<- EOR (undecodable: %v)\n", err)
			return
		}
		fmt.Printf("\n<- EOR status=%s seq=%d inner=%q\n", m.Status, m.SeqNum, m.Inner)
		return
	}
	fmt.Printf("\n<- code=%d payload=%q\n", f.Code, f.Payload)
}

func printHelp() {
	fmt.Println(`commands:
  send <code> [payload]   write a single frame to the data channel
  interrupt <seq>         write a control interrupt for sequence number seq
  help                    show this message
ctrl-d to quit`)
}

// Command meilies-cli is a generic forwarding shell: every positional
// argument becomes one bulk string of a RESP array, decoded through the
// same protocol.DecodeRequest the server itself uses, and the resulting
// Request is dispatched by kind, matching meilies-cli/src/main.rs's
// Request::from_resp(args) forwarding.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/resp"
	"github.com/meilies-io/meilies/internal/stream"
	"github.com/meilies-io/meilies/pkg/client"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: meilies-cli [-addr host:port] <command> [args...]")
	fmt.Fprintln(os.Stderr, "commands, forwarded verbatim as one RESP command:")
	fmt.Fprintln(os.Stderr, "  subscribe <stream[:from[:to]]>...")
	fmt.Fprintln(os.Stderr, "  publish <stream> <event-name> <data>")
	fmt.Fprintln(os.Stderr, "  last-event-number <stream>")
	fmt.Fprintln(os.Stderr, "  stream-names")
}

func main() {
	addr := flag.String("addr", "127.0.0.1:6480", "meilies-server address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	req, err := decodeArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meilies-cli: %v\n", err)
		os.Exit(1)
	}

	if err := run(*addr, req); err != nil {
		fmt.Fprintf(os.Stderr, "meilies-cli: %v\n", err)
		os.Exit(1)
	}
}

// decodeArgs turns the CLI's positional arguments into the RESP array a
// client would send over the wire, then decodes it exactly as the server
// would: unknown commands and wrong argument counts are rejected here by
// the same protocol.ConvertError taxonomy, not by bespoke CLI validation.
func decodeArgs(args []string) (protocol.Request, error) {
	elems := make([]resp.Value, len(args))
	for i, a := range args {
		elems[i] = resp.BulkStringS(a)
	}
	return protocol.DecodeRequest(resp.ArrayV(elems...))
}

func run(addr string, req protocol.Request) error {
	switch req.Kind {
	case protocol.KindSubscribe:
		return runSubscribe(addr, req.Streams)

	case protocol.KindSubscribeAll:
		return runSubscribe(addr, []stream.Spec{{Name: stream.All, Range: req.AllRange}})

	case protocol.KindPublish:
		conn, err := client.Dial(addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := conn.Publish(req.Stream, req.EventName, req.EventData); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil

	case protocol.KindLastEventNumber:
		conn, err := client.Dial(addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		number, ok, err := conn.LastEventNumber(req.Stream)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("nil")
			return nil
		}
		fmt.Println(number)
		return nil

	case protocol.KindStreamNames:
		conn, err := client.Dial(addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		names, err := conn.StreamNames()
		if err != nil {
			return err
		}
		strs := make([]string, len(names))
		for i, n := range names {
			strs[i] = string(n)
		}
		fmt.Println(strings.Join(strs, "\n"))
		return nil

	default:
		return fmt.Errorf("unsupported request kind %d", req.Kind)
	}
}

// runSubscribe opens a resilient C7 SubClient and prints every
// notification it delivers until the server closes the connection for
// good or the user interrupts the process, mirroring the original CLI's
// sub_connect arm.
func runSubscribe(addr string, specs []stream.Spec) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "meilies-cli").Logger()
	sc := client.NewSubClient(addr, specs, logger)
	defer sc.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-sc.Events():
			if !ok {
				fmt.Fprintln(os.Stderr, "meilies-cli: connection closed by the server")
				return nil
			}
			switch ev.Kind {
			case client.EventKindSubscribed:
				fmt.Printf("subscribed %s\n", ev.Stream)
			case client.EventKindData:
				fmt.Printf("event %s %d %s %q\n", ev.Stream, ev.Number, ev.EventName, ev.EventData)
			}

		case err := <-sc.Errors():
			fmt.Fprintf(os.Stderr, "meilies-cli: %v\n", err)

		case <-sigCh:
			return nil
		}
	}
}

// Command xm-info prints the identification, version and status of an XM
// radar module, or lists presence gateways found on the local network.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/discovery"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/simulator"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/transport"
)

var (
	port    = flag.String("port", "/dev/ttyUSB0", "Serial port of the module")
	baud    = flag.Int("baud", transport.DefaultBaudRate, "Baud rate")
	rtscts  = flag.Bool("rtscts", true, "Use RTS/CTS hardware flow control")
	timeout = flag.Duration("timeout", transport.DefaultTimeout, "Read timeout")
	devMode = flag.Bool("dev", false, "Query the built-in simulator")
	asJSON  = flag.Bool("json", false, "Print JSON")
	browse  = flag.Duration("browse", 0, "Browse for gateways for this long instead of querying a module")
	buffer  = flag.Int("buffer", -1, "Dump the module data buffer from this offset instead of printing info")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	if *browse > 0 {
		if err := listGateways(ctx, os.Stdout, *browse); err != nil {
			log.Fatalf("browse failed: %v", err)
		}
		return
	}

	open := transport.OpenPort
	if *devMode {
		open = simulator.New().Open
	}
	opts, err := transport.PortOptions{BaudRate: *baud, RTSCTS: rtscts, Timeout: *timeout}.Normalize()
	if err != nil {
		log.Fatalf("invalid port options: %v", err)
	}
	if *buffer >= 0 {
		if err := dumpBuffer(ctx, os.Stdout, open, *port, opts, *buffer); err != nil {
			log.Fatalf("%s: %v", *port, err)
		}
		return
	}
	info, err := queryModule(ctx, open, *port, opts)
	if err != nil {
		log.Fatalf("%s: %v", *port, err)
	}
	if err := printInfo(os.Stdout, info, *asJSON); err != nil {
		log.Fatal(err)
	}
}

func queryModule(ctx context.Context, open transport.PortOpener, path string, opts transport.PortOptions) (device.Info, error) {
	p, err := open(path, opts)
	if err != nil {
		return device.Info{}, err
	}
	dev, err := device.New(transport.New(p, opts.Timeout), presence.Variant, timeutil.RealClock{})
	if err != nil {
		p.Close()
		return device.Info{}, err
	}
	defer dev.Close()
	return dev.Info(ctx)
}

func dumpBuffer(ctx context.Context, w io.Writer, open transport.PortOpener, path string, opts transport.PortOptions, offset int) error {
	if offset > math.MaxUint16 {
		return fmt.Errorf("buffer offset %d out of range", offset)
	}
	p, err := open(path, opts)
	if err != nil {
		return err
	}
	tr := transport.New(p, opts.Timeout)
	defer tr.Close()
	data, err := tr.ReadBuffer(ctx, uint16(offset))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		_, err = fmt.Fprintf(w, "buffer empty at offset %d\n", offset)
		return err
	}
	_, err = io.WriteString(w, hex.Dump(data))
	return err
}

func printInfo(w io.Writer, info device.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	_, err := fmt.Fprintf(w, "product identification: 0x%04x\nproduct version:        0x%08x\nstatus:                 0x%08x (%s)\n",
		info.Identification, info.Version, uint32(info.Status), info.Status)
	return err
}

func listGateways(ctx context.Context, w io.Writer, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	gateways, err := discovery.Browse(ctx)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		fmt.Fprintln(w, "no gateways found")
		return nil
	}
	for _, g := range gateways {
		fmt.Fprintf(w, "%s\t%s\tversion=%s\n", g.Instance, g.URL(), g.Version)
	}
	return nil
}

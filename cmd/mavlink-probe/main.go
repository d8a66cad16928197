// Command mavlink-probe checks that every vehicle port carries an autopilot
// heartbeat and summarises the traffic seen on it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
	"github.com/signalsfoundry/uav-fleet-commander/internal/mavlink"
)

// Options controls a probe run.
type Options struct {
	Host     string
	BasePort int
	Vehicles int
	IDOffset int
	// Timeout bounds the wait for the first heartbeat on each port.
	Timeout time.Duration
	// Listen is how long traffic is collected after the heartbeat.
	Listen time.Duration
	// StreamRate, when positive, asks each autopilot to stream all
	// message groups at this rate in Hz.
	StreamRate     int
	StrictSystemID bool
}

type probeResult struct {
	id        int
	addr      string
	heartbeat mavlink.Heartbeat
	census    []mavlink.CensusEntry
	filtered  uint64
	err       error
}

var errProbeFailed = errors.New("one or more vehicles failed the probe")

func main() {
	opts := Options{}
	flag.StringVar(&opts.Host, "host", "127.0.0.1", "host the vehicle endpoints bind to")
	flag.IntVar(&opts.BasePort, "base-port", 14540, "MAVLink UDP port of the first vehicle")
	flag.IntVar(&opts.Vehicles, "vehicles", 3, "number of vehicles to probe")
	flag.IntVar(&opts.IDOffset, "id-offset", 1, "vehicle id of the first vehicle")
	flag.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "wait for the first heartbeat")
	flag.DurationVar(&opts.Listen, "listen", 5*time.Second, "how long to collect traffic after connecting")
	flag.IntVar(&opts.StreamRate, "stream-rate", 0, "request all data streams at this rate in Hz (0 leaves rates alone)")
	flag.BoolVar(&opts.StrictSystemID, "strict-sysid", false, "only accept heartbeats whose system id equals the vehicle id")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, log); err != nil {
		log.Error(ctx, "probe failed", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts Options, out io.Writer, log logging.Logger) error {
	if opts.Vehicles < 1 {
		return fmt.Errorf("vehicles must be at least 1, got %d", opts.Vehicles)
	}
	if log == nil {
		log = logging.Noop()
	}

	results := make([]probeResult, opts.Vehicles)
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < opts.Vehicles; i++ {
		g.Go(func() error {
			res := probe(ctx, opts, i, log)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report(out, results)
	for _, r := range results {
		if r.err != nil {
			return errProbeFailed
		}
	}
	return nil
}

func probe(ctx context.Context, opts Options, index int, log logging.Logger) probeResult {
	id := index + opts.IDOffset
	res := probeResult{id: id, addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.BasePort+index))}
	log = log.With(logging.Int("vehicle_id", id), logging.String("address", res.addr))

	cfg := mavlink.EndpointConfig{Address: res.addr, Logger: log}
	if opts.StrictSystemID {
		cfg.ExpectedSystemID = uint8(id)
	}
	ep, err := mavlink.Dial(ctx, cfg)
	if err != nil {
		res.err = err
		return res
	}
	defer ep.Close()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case hb := <-ep.Heartbeats():
		res.heartbeat = hb
		log.Info(ctx, "heartbeat received",
			logging.Int("system_id", int(hb.SystemID)),
			logging.Any("type", hb.Type),
			logging.Bool("armed", hb.Armed),
		)
	case <-timer.C:
		res.err = fmt.Errorf("no heartbeat within %s", opts.Timeout)
		log.Warn(ctx, "no heartbeat", logging.Duration("timeout", opts.Timeout))
		return res
	case <-ctx.Done():
		res.err = ctx.Err()
		return res
	}

	if opts.StreamRate > 0 {
		for _, req := range mavlink.StreamRateRequests(res.heartbeat.Target(), uint16(opts.StreamRate)) {
			if err := ep.Send(req); err != nil {
				log.Warn(ctx, "stream rate request failed",
					logging.Int("stream", int(req.ReqStreamId)),
					logging.Err(err),
				)
			}
		}
	}

	listen := time.NewTimer(opts.Listen)
	defer listen.Stop()
	select {
	case <-listen.C:
	case <-ctx.Done():
	}

	res.census = ep.Census().Entries()
	res.filtered = ep.Census().Filtered()
	return res
}

func report(out io.Writer, results []probeResult) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(tw, "vehicle %d\t%s\tFAIL\t%v\n", r.id, r.addr, r.err)
			continue
		}
		fmt.Fprintf(tw, "vehicle %d\t%s\tOK\tsystem %d, component %d, armed=%t, filtered heartbeats=%d\n",
			r.id, r.addr, r.heartbeat.SystemID, r.heartbeat.ComponentID, r.heartbeat.Armed, r.filtered)
		for _, e := range r.census {
			fmt.Fprintf(tw, "\tsysid %d\t%s\t%d\n", e.SystemID, e.Type, e.Count)
		}
	}
	_ = tw.Flush()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/loopholelabs/bttester/internal/tty"
	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/config"
	"github.com/loopholelabs/bttester/pkg/btp/l2cap"
	"github.com/loopholelabs/bttester/pkg/btp/metrics"
	btprom "github.com/loopholelabs/bttester/pkg/btp/metrics/prometheus"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/protocol"
	"github.com/loopholelabs/bttester/pkg/btp/slots"
	"github.com/loopholelabs/bttester/pkg/btp/trace"
	"github.com/loopholelabs/bttester/pkg/btp/transport/sim"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	cmdServe = &cobra.Command{
		Use:   "serve",
		Short: "Run the tester agent",
		Long:  `Run the tester agent against one test controller, over a socket or a serial device.`,
		RunE:  runServe,
	}
)

var serveAddr string
var serveConf string
var serveDevice string
var serveBaud int
var serveDebug bool
var serveMetrics string
var serveTrace string

func init() {
	rootCmd.AddCommand(cmdServe)
	cmdServe.Flags().StringVarP(&serveAddr, "addr", "a", ":5180", "Address to listen on (unix:/path for a unix socket)")
	cmdServe.Flags().StringVarP(&serveConf, "conf", "c", "", "Configuration file")
	cmdServe.Flags().StringVarP(&serveDevice, "device", "D", "", "Serial device to talk BTP over instead of listening")
	cmdServe.Flags().IntVarP(&serveBaud, "baud", "b", tty.DefaultBaud, "Serial baud rate")
	cmdServe.Flags().BoolVarP(&serveDebug, "debug", "d", false, "Debug logging (trace)")
	cmdServe.Flags().StringVarP(&serveMetrics, "metrics", "m", "", "Prom metrics address")
	cmdServe.Flags().StringVarP(&serveTrace, "trace", "t", "", "Capture frames to this file")
}

// agent is everything one controller session needs.
type agent struct {
	id       string
	log      types.Logger
	met      metrics.TesterMetrics
	conf     *config.Schema
	table    *slots.Table
	pool     *bufpool.Pool
	tr       *sim.Transport
	rec      *trace.Recorder
	recFile  *os.File
	uploader *trace.S3Uploader
}

func runServe(_ *cobra.Command, _ []string) error {
	var log types.RootLogger
	var reg *prometheus.Registry
	var testerMetrics metrics.TesterMetrics

	if serveDebug {
		log = logging.New(logging.Zerolog, "bttester.serve", os.Stderr)
		log.SetLevel(types.TraceLevel)
	}

	conf := config.DefaultSchema()
	if serveConf != "" {
		var err error
		conf, err = config.ReadSchema(serveConf)
		if err != nil {
			return err
		}
	}

	if serveMetrics != "" {
		reg = prometheus.NewRegistry()

		testerMetrics = btprom.New(reg, btprom.DefaultConfig())

		// Add the default go metrics
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		http.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				// Opt into OpenMetrics to support exemplars.
				EnableOpenMetrics: true,
				// Pass custom registry
				Registry: reg,
			},
		))

		go func() {
			err := http.ListenAndServe(serveMetrics, nil)
			if err != nil && log != nil {
				log.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	a, err := newAgent(conf, log, testerMetrics)
	if err != nil {
		return err
	}
	fmt.Printf("Starting bttester %s\n", a.id)

	ctx, cancelFn := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFn()

	rwc, err := openController(ctx)
	if err != nil {
		a.shutdown()
		return err
	}

	err = a.run(ctx, rwc)
	a.shutdown()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func newAgent(conf *config.Schema, log types.Logger, met metrics.TesterMetrics) (*agent, error) {
	a := &agent{
		id:   uuid.NewString(),
		log:  log,
		met:  met,
		conf: conf,
	}

	var err error
	a.table, err = slots.NewTable(conf.Tester.Channels)
	if err != nil {
		return nil, err
	}
	a.pool = bufpool.NewPool(conf.Tester.Buffers, conf.Tester.ByteMTU())

	a.tr = sim.New(sim.Options{AutoEstablish: conf.Sim.AutoEstablishDuration()}, log)
	for _, p := range conf.Peer {
		addr, br, err := p.AddressLE()
		if err != nil {
			return nil, err
		}
		if br {
			a.tr.AddBRPeer(addr.Addr)
		} else {
			a.tr.AddLEPeer(addr)
		}
		fmt.Printf("Added peer %s\n", addr.String())
	}

	traceFile := serveTrace
	if traceFile == "" && conf.Trace != nil {
		traceFile = conf.Trace.File
	}
	if traceFile != "" {
		a.recFile, err = os.Create(traceFile)
		if err != nil {
			return nil, err
		}
		a.rec, err = trace.NewRecorder(a.recFile)
		if err != nil {
			_ = a.recFile.Close()
			return nil, err
		}
		if conf.Trace != nil && conf.Trace.S3 != nil {
			s3 := conf.Trace.S3
			a.uploader, err = trace.NewS3Uploader(context.TODO(), s3.Endpoint, s3.AccessKey, s3.SecretKey, s3.Bucket, s3.Prefix, s3.Secure)
			if err != nil {
				_ = a.recFile.Close()
				return nil, err
			}
		}
	}
	return a, nil
}

func openController(ctx context.Context) (io.ReadWriteCloser, error) {
	if serveDevice != "" {
		fmt.Printf("Opening device %s at %d baud\n", serveDevice, serveBaud)
		return tty.Open(serveDevice, serveBaud)
	}

	network := "tcp"
	address := serveAddr
	if strings.HasPrefix(serveAddr, "unix:") {
		network = "unix"
		address = strings.TrimPrefix(serveAddr, "unix:")
		_ = os.Remove(address)
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	fmt.Printf("Waiting for controller on %s %s...\n", network, address)
	con, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	fmt.Printf("Controller connected from %s\n", con.RemoteAddr().String())
	return con, nil
}

// run serves one controller until it goes away or ctx is cancelled.
func (a *agent) run(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	go func() {
		<-ctx.Done()
		_ = rwc.Close()
	}()

	rw := protocol.NewRW(ctx, rwc, rwc, a.log)
	if a.rec != nil {
		rw.AddHook(a.rec.Record)
	}

	sender := protocol.NewLogger("l2cap", rw, a.log)
	lconf := &l2cap.Config{
		Index: byte(a.conf.Tester.Index),
		MTU:   a.conf.Tester.ByteMTU(),
	}
	svc := l2cap.NewService(sender, a.tr, a.table, a.pool, lconf, a.log)
	rw.Register(packets.ServiceL2CAP, svc)

	if a.met != nil {
		a.met.AddProtocol(a.id, "controller", rw)
		a.met.AddProtocolLogger(a.id, "l2cap", sender)
		a.met.AddSlots(a.id, "l2cap", a.table)
		a.met.AddBufferPool(a.id, "rx", a.pool)
		a.met.AddL2CAP(a.id, "l2cap", svc)
		if a.rec != nil {
			a.met.AddRecorder(a.id, "trace", a.rec)
		}
	}

	err := rw.Handle()

	if a.log != nil {
		met := rw.GetMetrics()
		a.log.Debug().
			Str("id", a.id).
			Uint64("FramesSent", met.FramesSent).
			Uint64("DataSent", met.DataSent).
			Uint64("FramesRecv", met.FramesRecv).
			Uint64("DataRecv", met.DataRecv).
			Msg("protocol metrics")

		smet := svc.GetMetrics()
		a.log.Debug().
			Str("id", a.id).
			Uint64("Commands", smet.Commands).
			Uint64("Connects", smet.Connects).
			Uint64("EventsData", smet.EventsData).
			Uint64("DroppedCallbacks", smet.DroppedCallbacks).
			Msg("l2cap metrics")
	}
	return err
}

func (a *agent) shutdown() {
	if a.met != nil {
		a.met.RemoveAllID(a.id)
		a.met.Shutdown()
	}
	a.tr.Wait()

	if a.recFile == nil {
		return
	}
	err := a.recFile.Close()
	if err != nil {
		fmt.Printf("Could not close capture %v\n", err)
		return
	}
	if a.rec.Err() != nil {
		fmt.Printf("Capture is incomplete %v\n", a.rec.Err())
	}
	if a.uploader != nil {
		key, err := a.uploader.Upload(context.TODO(), a.id, a.recFile.Name())
		if err != nil {
			fmt.Printf("Could not upload capture %v\n", err)
			return
		}
		fmt.Printf("Uploaded capture to %s\n", key)
	}
}

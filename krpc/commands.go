package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"krypt.co/dispatch/common/config"
	klog "krypt.co/dispatch/common/log"
	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
	"krypt.co/dispatch/common/transport/sqs"
	"krypt.co/dispatch/common/transport/tcp"
	. "krypt.co/dispatch/common/util"
	"krypt.co/dispatch/daemon"
	"krypt.co/dispatch/dispatch"
	"krypt.co/dispatch/dispatch/binding"
	"krypt.co/dispatch/dispatch/envelope"
)

func PrintFatal(stderr io.Writer, msg string) {
	PrintErr(stderr, msg)
	os.Exit(1)
}

type env struct {
	conf config.Config
	log  *logging.Logger
}

func setup(c *cli.Context, prefix string) (e env) {
	conf, err := config.Load(c.GlobalString("config"))
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	if conf.Log.File != "" && os.Getenv("KR_LOG_FILE") == "" {
		os.Setenv("KR_LOG_FILE", conf.Log.File)
	}
	level, err := logging.LogLevel(conf.Log.Level)
	if err != nil {
		level = logging.NOTICE
	}
	e = env{
		conf: conf,
		log:  klog.SetupLogging(prefix, level, conf.Log.Syslog),
	}
	return
}

func (e env) connector(region string) transport.Mux {
	stream := &tcp.Connector{}
	mux := transport.Mux{"tcp": stream, "unix": stream}
	if api, err := sqs.NewAPI(region); err == nil {
		mux["sqs"] = &sqs.Connector{API: api, Log: e.log}
	} else {
		e.log.Warning("sqs endpoints unavailable:", err)
	}
	return mux
}

func (e env) listen(address, region string) (l transport.Listener, err error) {
	endpoint, err := protocol.ParseEndpoint(address)
	if err != nil {
		return
	}
	switch endpoint.Transport {
	case "tcp", "unix":
		l, err = tcp.ListenNetwork(endpoint.Transport, endpoint.Address)
	case "sqs":
		api, apiErr := sqs.NewAPI(region)
		if apiErr != nil {
			err = apiErr
			return
		}
		l, err = sqs.Listen(api, endpoint.Address, e.log)
	default:
		err = fmt.Errorf("cannot listen on %s endpoints", endpoint.Transport)
	}
	return
}

func serveCommand(c *cli.Context) (err error) {
	e := setup(c, "krpc-serve")
	address := c.String("listen")
	if address == "" {
		address = e.conf.Listen
	}
	listener, err := e.listen(address, c.GlobalString("region"))
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	codec, err := protocol.FrameCodecByName(e.conf.FrameCodec)
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	server := daemon.NewServer(listener, daemon.Builtin().Servant(), codec, e.log)
	server.Start()
	PrintErr(os.Stderr, "Serving on "+Cyan(server.Addr()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	err = server.Stop()
	return
}

func (e env) handler(c *cli.Context, scope protocol.BatchScope) (h dispatch.RequestHandler, registry *binding.Registry) {
	endpoint := c.String("endpoint")
	if endpoint == "" {
		endpoint = e.conf.Endpoint
	}
	ref, err := protocol.NewReference(endpoint)
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	opts, err := binding.OptionsFromConfig(e.conf, envelope.NewPool(), e.log)
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	registry = binding.NewRegistry(e.connector(c.GlobalString("region")), opts)
	h, err = dispatch.New(ref.WithBatchScope(scope), registry, dispatch.OptionsFromConfig(e.conf, e.log))
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	return
}

func callCommand(c *cli.Context) (err error) {
	e := setup(c, "krpc")
	if c.NArg() < 1 {
		PrintFatal(os.Stderr, "usage: krpc call OPERATION [PAYLOAD]")
	}
	mode, err := protocol.ParseInvocationMode(c.String("mode"))
	if err != nil || mode.IsBatch() {
		PrintFatal(os.Stderr, Red("mode must be normal, oneway or datagram"))
	}
	h, registry := e.handler(c, protocol.BatchPerConnection)
	defer registry.Close(context.Background())
	defer h.Close()

	req, err := h.GetOutgoing(c.Args().Get(0), mode, nil)
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	defer h.ReclaimOutgoing(req)
	req.Idempotent = c.Bool("idempotent")
	req.In.WriteString(c.Args().Get(1))

	if c.Bool("async") {
		call := dispatch.NewAsyncCall(req, nil)
		h.SendAsyncRequest(call)
		<-call.Done()
		err = call.Err()
	} else {
		_, err = h.SendRequest(context.Background(), req)
	}
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	if mode.IsTwoway() {
		fmt.Println(req.Out.String())
	} else {
		PrintErr(os.Stderr, Green("sent"))
	}
	return
}

func batchCommand(c *cli.Context) (err error) {
	e := setup(c, "krpc")
	if c.NArg() < 1 {
		PrintFatal(os.Stderr, "usage: krpc batch OPERATION[=PAYLOAD]...")
	}
	scope := protocol.BatchPerConnection
	if c.Bool("per-proxy") {
		scope = protocol.BatchPerProxy
	}
	h, registry := e.handler(c, scope)
	defer registry.Close(context.Background())
	defer h.Close()

	ctx := context.Background()
	for _, arg := range c.Args() {
		parts := strings.SplitN(arg, "=", 2)
		req, reqErr := h.GetOutgoing(parts[0], protocol.BatchOneway, nil)
		if reqErr != nil {
			PrintFatal(os.Stderr, Red(reqErr.Error()))
		}
		if len(parts) == 2 {
			req.In.WriteString(parts[1])
		}
		if err = h.PrepareBatchRequest(ctx, req); err != nil {
			h.ReclaimOutgoing(req)
			PrintFatal(os.Stderr, Red(err.Error()))
		}
		h.FinishBatchRequest(req)
	}
	sent, err := h.FlushBatchRequests(ctx)
	if err != nil {
		PrintFatal(os.Stderr, Red(err.Error()))
	}
	if sent {
		PrintErr(os.Stderr, Green(fmt.Sprintf("flushed %d requests", c.NArg())))
	} else {
		PrintErr(os.Stderr, Yellow("nothing to flush"))
	}
	return
}

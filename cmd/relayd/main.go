// relayd is a store-and-forward SMTP delivery engine: it owns a durable
// on-disk spool, retries outbound deliveries on a jittered schedule,
// and exposes an operator control surface over a local Unix socket.
//
// It does not speak SMTP to inbound clients and has no ingress of its
// own; envelopes enter only through Spool.Reserve/Enqueue. The spool
// directory is locked exclusively on open, so only one process can use
// it at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"blitiri.com.ar/go/relayd/internal/cache"
	"blitiri.com.ar/go/relayd/internal/config"
	"blitiri.com.ar/go/relayd/internal/control"
	"blitiri.com.ar/go/relayd/internal/delivery"
	"blitiri.com.ar/go/relayd/internal/eventbus"
	"blitiri.com.ar/go/relayd/internal/localrpc"
	"blitiri.com.ar/go/relayd/internal/maillog"
	"blitiri.com.ar/go/relayd/internal/metrics"
	"blitiri.com.ar/go/relayd/internal/smtpclient"
	"blitiri.com.ar/go/relayd/internal/spool"

	"blitiri.com.ar/go/log"
	nettrace "golang.org/x/net/trace"
)

var (
	configPath = flag.String("config", "/etc/relayd/relayd.yaml",
		"configuration file path")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (in YAML format)")
	showVer = flag.Bool("version", false, "show version and exit")
)

var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("relayd %s\n", version)
		return
	}

	log.Infof("relayd starting (version %s)", version)

	conf, err := config.Load(*configPath, *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	initMailLog(conf.MailLogPath)

	sp, err := spool.Open(conf.SpoolDir)
	if err != nil {
		log.Fatalf("Error opening spool at %q: %v", conf.SpoolDir, err)
	}
	defer sp.Close()

	bus := eventbus.New()
	defer bus.Close()
	sp.SetEventBus(bus)

	n, err := sp.Recover(context.Background())
	if err != nil {
		log.Fatalf("Error recovering spool: %v", err)
	}
	log.Infof("Recovered %d in-flight entries back to sending-eligible", n)

	dialer := smtpclient.NewDialer(smtpclient.Config{
		HelloDomain:        conf.HelloDomain,
		DialTimeout:        conf.DialTimeoutDuration(),
		SendReceiveTimeout: conf.SendReceiveTimeoutDuration(),
		FinalOkTimeout:     conf.FinalOkTimeoutDuration(),
		MaxUses:            conf.MaxUsesPerConnection,
	})
	cch := cache.New(dialer, conf.MaxConcurrentSendJobs, conf.MaxUsesPerConnection)
	defer cch.Close()

	engine := delivery.New(sp, cch, bus, delivery.Config{
		TickInterval:         conf.TickIntervalDuration(),
		MaxConcurrentEntries: conf.MaxConcurrentEntries,
		ConnectGiveUp:        conf.ConnectGiveUpDuration(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Run(ctx)
	defer engine.Stop()

	surface := control.New(sp, cch, bus, engine.Wake)

	srv := localrpc.NewServer()
	control.Register(srv, surface)

	os.Remove(conf.RPCSocketPath)
	go func() {
		if err := srv.ListenAndServe(conf.RPCSocketPath); err != nil {
			log.Fatalf("RPC server failed: %v", err)
		}
	}()
	defer srv.Close()

	stop := make(chan struct{})
	defer close(stop)
	go maillog.Follow(bus, maillog.Default, stop)

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf.MonitoringAddress)
	}

	signalHandler()
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		var f *os.File
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			maillog.Default = maillog.New(f)
		}
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func launchMonitoringServer(addr string) {
	log.Infof("Monitoring HTTP server listening on %s", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/requests", nettrace.RenderTraces)

	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Monitoring server failed: %v", err)
	}
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("Received %v, shutting down", sig)
			return
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

// Package main provides a command-line utility.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	mqtt "github.com/qosmqtt/engine"
	"github.com/qosmqtt/engine/internal/broker"
	"github.com/qosmqtt/engine/mqttmetrics"
)

// Name of the invoked executable.
var name = os.Args[0]

var (
	portFlag        = flag.Int("p", 1883, "Port to bind. 0 selects an ephemeral port.")
	resendFlag      = flag.Int("t", 15, "Resend interval in seconds. 0 disables resend.")
	maxInFlightFlag = flag.Int("m", 0, "Maximum in-flight acknowledgeable messages per client session. 0 is unlimited.")
	anonymousFlag   = flag.Bool("a", false, "Allow anonymous connect when no credential whitelist rejects it.")
	credentialsFlag = flag.String("u", "", "Credential whitelist as user:pass[,user:pass...].")
	ignoreCredsFlag = flag.Bool("i", false, "Ignore credentials; accept every client regardless of what it sends.")
	metricsAddrFlag = flag.String("metrics-addr", "", "Serve Prometheus metrics over HTTP at /metrics on this address. Empty disables the metrics server.")
)

func main() {
	log.SetFlags(0)
	flag.Usage = printManual
	flag.Parse()

	cfg, err := parseConfig()
	if err != nil {
		log.Print(name, ": ", err)
		os.Exit(2)
	}

	var stats mqtt.StatsSink
	if *metricsAddrFlag != "" {
		stats = mqttmetrics.NewSink("mockbroker", nil)
		go serveMetrics(*metricsAddrFlag)
	}

	b := broker.New(cfg, stats)
	addr, err := b.Start(bindAddr(*portFlag))
	if err != nil {
		log.Print(name, ": bind failed: ", err)
		os.Exit(3)
	}
	log.Printf("%s: listening on %s", name, addr)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	log.Print(name, ": shutting down")
	if err := b.Stop(); err != nil {
		log.Print(name, ": ", err)
		os.Exit(1)
	}
}

func bindAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Print(name, ": metrics server: ", err)
	}
}

// parseConfig turns the command-line flags into a broker.Config,
// rejecting malformed -u values at startup rather than at connect
// time.
func parseConfig() (broker.Config, error) {
	cfg := broker.Config{
		ResendIntervalMS:  int64(*resendFlag) * 1000,
		MaxInFlight:       *maxInFlightFlag,
		AnonymousAllowed:  *anonymousFlag,
		IgnoreCredentials: *ignoreCredsFlag,
	}

	if *credentialsFlag == "" {
		return cfg, nil
	}

	if strings.Contains(*credentialsFlag, ";") {
		return cfg, fmt.Errorf("-u: %q uses ';' as a separator; only ':' is accepted", *credentialsFlag)
	}

	cfg.Credentials = make(map[string]string)
	for _, pair := range strings.Split(*credentialsFlag, ",") {
		user, pass, ok := strings.Cut(pair, ":")
		if !ok || user == "" {
			return cfg, fmt.Errorf("-u: malformed credential pair %q, want user:pass", pair)
		}
		cfg.Credentials[user] = pass
	}
	return cfg, nil
}

func printManual() {
	log.Print("NAME\n\t" + name + " — volatile MQTT broker for testing\n" +
		"\n" +
		"SYNOPSIS\n" +
		"\t" + name + " [options]\n" +
		"\n" +
		"DESCRIPTION\n" +
		"\tThe command starts an in-process MQTT broker bound to a TCP port.\n" +
		"\tIt holds no persisted state; every restart starts clean.\n" +
		"\n" +
		"OPTIONS\n",
	)
	flag.PrintDefaults()
	log.Print("\n" +
		"EXIT STATUS\n" +
		"\t(0) clean shutdown\n" +
		"\t(1) shutdown failure\n" +
		"\t(2) illegal command invocation\n" +
		"\t(3) bind failure\n" +
		"\n" +
		"SEE ALSO\n\tmosquitto(8)\n",
	)
}

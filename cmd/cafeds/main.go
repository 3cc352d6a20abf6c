// Command cafeds launches a single node of the ordered-broadcast cluster.
// Argument parsing, process lifecycle, and the waiter/kitchen UIs are
// external collaborators around the cafeds package's core: they own no
// protocol state of their own.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/berkesiranurr/distrubuted-systems-cafe"
)

func main() {
	id := flag.Int("id", 0, "node id (positive integer, unique on the discovery subnet)")
	role := flag.String("role", "follower", "leader|follower")
	tcpPort := flag.Int("tcp-port", 0, "TCP port this node listens on (leader) or is reachable at")
	ui := flag.String("ui", "kitchen", "waiter|kitchen — waiter reads orders from stdin, kitchen only prints deliveries")
	metricsAddr := flag.String("metrics-addr", "", "optional host:port to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "cafeds: --id must be a positive integer")
		os.Exit(1)
	}
	if *tcpPort <= 0 {
		fmt.Fprintln(os.Stderr, "cafeds: --tcp-port is required")
		os.Exit(1)
	}

	var nodeRole cafeds.Role
	switch strings.ToLower(*role) {
	case "leader":
		nodeRole = cafeds.RoleLeader
	case "follower":
		nodeRole = cafeds.RoleFollower
	default:
		fmt.Fprintf(os.Stderr, "cafeds: --role must be leader|follower, got %q\n", *role)
		os.Exit(1)
	}

	cfg := cafeds.LoadConfig()

	node, err := cafeds.New(cfg, *id, nodeRole, *tcpPort)
	if err != nil {
		// New returns this error without logging it; a bound-port failure
		// here is the "duplicate local instance" structural startup error.
		log.Printf("cafeds: %v", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, node)
	}

	if err := node.Run(); err != nil {
		log.Printf("cafeds: %v", err)
		os.Exit(1)
	}

	if *ui == "waiter" {
		go stdinOrderLoop(node)
	}
	go printDeliveries(node)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Fprintln(os.Stderr, "\nStopping...")
	node.Stop()
}

func serveMetrics(addr string, node *cafeds.Node) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Metrics().Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("cafeds: metrics server stopped: %v", err)
	}
}

// stdinOrderLoop is the waiter UI: every non-empty line typed becomes an
// order payload of {"text": line}, submitted via Node.SubmitOrder.
// Grounded on original_source/cafeds/node.py's _stdin_order_loop.
func stdinOrderLoop(node *cafeds.Node) {
	fmt.Println("WAITER: type an order and press Enter")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := node.SubmitOrder(map[string]interface{}{"text": line}); err != nil {
			fmt.Fprintf(os.Stderr, "cafeds: submit failed: %v\n", err)
		}
	}
}

// printDeliveries is the kitchen UI: every in-order, WAL-durable delivery
// is printed once. Grounded on original_source/cafeds/node.py's _deliver.
func printDeliveries(node *cafeds.Node) {
	for d := range node.Deliveries() {
		text, ok := d.Payload()["text"].(string)
		if !ok {
			text = fmt.Sprintf("%v", d.Payload())
		}
		fmt.Printf("DELIVER seq=%d [from=%d] | %s\n", d.Seq(), d.Sender(), text)
	}
}

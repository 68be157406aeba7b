// Command dnsstub runs the local DNS stub resolver front-end: it wires the
// Listener Set, Request Dispatcher and a default forwarding Resolver
// together and runs until signalled to stop.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/kszczek/dnsstub/internal/log"
	"github.com/kszczek/dnsstub/internal/machineid"
	"github.com/kszczek/dnsstub/internal/mgr"
	"github.com/kszczek/dnsstub/internal/resolver"
	"github.com/kszczek/dnsstub/internal/stub"
)

var upstream = flag.String(
	"upstream",
	"1.1.1.1:53",
	"upstream plain-DNS server the default forwarding resolver queries",
)

func main() {
	flag.Parse()
	log.SetLevel(log.InfoLevel)

	m := mgr.New("dnsstub")

	nsidValue := machineid.NSIDDomain(&machineid.Host{})
	res := resolver.NewForwarding(*upstream)
	dispatcher := stub.NewDispatcher(m, res, nsidValue)

	cfg := stub.DefaultConfig()
	listeners := stub.NewListenerSet(m, dispatcher, cfg)

	log.Infof("dnsstub: started, forwarding to %s", *upstream)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("dnsstub: shutting down")
	m.Cancel()
	if err := listeners.Close(); err != nil {
		log.Errorf("dnsstub: error closing listeners: %s", err)
	}
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/modhive/modhive/pkg/connector"
	"github.com/modhive/modhive/pkg/queue"
	"github.com/modhive/modhive/pkg/router"
	"github.com/modhive/modhive/pkg/tenant"
)

func main() {
	var (
		apiURL       = flag.String("api-url", "http://127.0.0.1:3000", "Base URL of the API layer")
		syncInterval = flag.Duration("sync-interval", 30*time.Second, "Game server connection sync interval")
	)

	klog.InitFlags(nil)
	flag.Parse()

	broker, err := queue.NewBrokerFromEnv()
	if err != nil {
		klog.Fatalf("Failed to create queue broker: %v", err)
	}
	defer broker.Close()

	api := tenant.NewClient(*apiURL)
	eventRouter := router.New(queue.NewRegistry(broker), api, api)
	manager := connector.NewManager(eventRouter)
	defer manager.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	klog.Info("connectord started")
	ticker := time.NewTicker(*syncInterval)
	defer ticker.Stop()
	for {
		syncConnections(ctx, api, manager)
		select {
		case <-ctx.Done():
			klog.Info("connectord stopped")
			return
		case <-ticker.C:
		}
	}
}

// syncConnections attaches newly appeared game servers and detaches ones
// that disappeared from the directory.
func syncConnections(ctx context.Context, api *tenant.Client, manager *connector.Manager) {
	domains, err := api.ListDomains(ctx)
	if err != nil {
		klog.Errorf("List domains: %v", err)
		return
	}

	want := make(map[string]tenant.GameServer)
	for _, domain := range domains {
		servers, err := api.ListGameServers(ctx, domain.ID)
		if err != nil {
			klog.Errorf("List game servers for %s: %v", domain.ID, err)
			return
		}
		for _, server := range servers {
			if server.EventsURL != "" {
				want[server.ID] = server
			}
		}
	}

	attached := make(map[string]bool)
	for _, id := range manager.Attached() {
		attached[id] = true
	}

	for id, server := range want {
		if !attached[id] {
			manager.Attach(ctx, server, server.EventsURL)
		}
	}
	for id := range attached {
		if _, ok := want[id]; !ok {
			manager.Detach(id)
		}
	}
}

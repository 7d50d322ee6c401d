package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/modhive/modhive/pkg/common/types"
	"github.com/modhive/modhive/pkg/executor"
	"github.com/modhive/modhive/pkg/queue"
	"github.com/modhive/modhive/pkg/router"
	"github.com/modhive/modhive/pkg/tenant"
	"github.com/modhive/modhive/pkg/vmm"
	"github.com/modhive/modhive/pkg/worker"
)

func main() {
	var (
		apiURL            = flag.String("api-url", "http://127.0.0.1:3000", "Base URL of the API layer")
		firecrackerBinary = flag.String("firecracker-bin", "firecracker", "Path to the firecracker binary")
		kernelImage       = flag.String("kernel-image", "/var/lib/modhive/vmlinux.bin", "Path to the guest kernel image")
		rootfs            = flag.String("rootfs", "/var/lib/modhive/rootfs.ext4", "Path to the guest root filesystem")
		socketDir         = flag.String("socket-dir", "/run/modhive/firecracker", "Directory for hypervisor sockets")
		logDir            = flag.String("log-dir", "/var/log/modhive/firecracker", "Directory for hypervisor logs")
		signingKeyFile    = flag.String("signing-key", "", "PEM private key for execution tokens (generated when empty)")
		reuseSandboxes    = flag.Bool("reuse-sandboxes", false, "Return sandboxes to the pool after successful executions")
		bootTimeout       = flag.Duration("boot-timeout", 60*time.Second, "Maximum wait for a sandbox to become ready")
		execTimeout       = flag.Duration("exec-timeout", 60*time.Second, "Maximum duration of one sandbox execution")
		scheduleInterval  = flag.Duration("schedule-interval", time.Second, "Repeatable schedule poll interval")
		reconcileInterval = flag.Duration("reconcile-interval", time.Minute, "Cron schedule reconciliation interval")

		commandsConcurrency  = flag.Int("commands-concurrency", 5, "Concurrent command executions")
		cronJobsConcurrency  = flag.Int("cronjobs-concurrency", 5, "Concurrent cron executions")
		hooksConcurrency     = flag.Int("hooks-concurrency", 5, "Concurrent hook executions")
		eventsConcurrency    = flag.Int("events-concurrency", 5, "Concurrent event executions")
		itemsSyncConcurrency = flag.Int("itemssync-concurrency", 1, "Concurrent items-sync executions")
		inventoryConcurrency = flag.Int("inventory-concurrency", 1, "Concurrent inventory executions")
	)

	klog.InitFlags(nil)
	flag.Parse()

	broker, err := queue.NewBrokerFromEnv()
	if err != nil {
		klog.Fatalf("Failed to create queue broker: %v", err)
	}
	defer broker.Close()
	registry := queue.NewRegistry(broker)

	var signer *router.TokenSigner
	if *signingKeyFile != "" {
		signer, err = router.NewTokenSignerFromFile(*signingKeyFile)
	} else {
		signer, err = router.NewTokenSigner()
	}
	if err != nil {
		klog.Fatalf("Failed to create token signer: %v", err)
	}

	driver, err := vmm.NewFirecrackerDriver(vmm.FirecrackerConfig{
		Binary:      *firecrackerBinary,
		KernelImage: *kernelImage,
		Rootfs:      *rootfs,
		SocketDir:   *socketDir,
		LogDir:      *logDir,
	})
	if err != nil {
		klog.Fatalf("Failed to create sandbox driver: %v", err)
	}

	queueConcurrency := map[string]int{
		types.QueueCommands:  *commandsConcurrency,
		types.QueueCronJobs:  *cronJobsConcurrency,
		types.QueueHooks:     *hooksConcurrency,
		types.QueueEvents:    *eventsConcurrency,
		types.QueueItemsSync: *itemsSyncConcurrency,
		types.QueueInventory: *inventoryConcurrency,
	}

	// One warm sandbox per in-flight job across all worker types.
	hotPoolSize := 0
	for _, concurrency := range queueConcurrency {
		hotPoolSize += concurrency
	}

	pool := vmm.NewPool(driver, vmm.Config{
		HotPoolSize:    hotPoolSize,
		BootTimeout:    *bootTimeout,
		ExecTimeout:    *execTimeout,
		ReuseSandboxes: *reuseSandboxes,
	})

	api := tenant.NewClient(*apiURL)
	exec := executor.New(pool, signer, api)
	execRouter := router.New(registry, api, api)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Warm(ctx)
	}()

	queueNames := make([]string, 0, len(queueConcurrency))
	for name, concurrency := range queueConcurrency {
		queueNames = append(queueNames, name)

		w := worker.New(registry.Get(name), concurrency, exec)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	scheduler := queue.NewScheduler(registry, queueNames, *scheduleInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*reconcileInterval)
		defer ticker.Stop()
		for {
			if err := execRouter.ReconcileSchedules(ctx); err != nil {
				klog.Errorf("Cron schedule reconciliation failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	klog.Infof("executord started, hot pool size %d", hotPoolSize)
	<-ctx.Done()
	klog.Info("Received shutdown signal, shutting down gracefully...")

	wg.Wait()
	pool.Close(context.Background())
	klog.Info("executord stopped")
}

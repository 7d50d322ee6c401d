package main

import (
	"flag"

	"k8s.io/klog/v2"

	"github.com/modhive/modhive/pkg/agentd"
)

func main() {
	port := flag.Int("port", 8000, "Port for the in-guest agent to listen on")

	klog.InitFlags(nil)
	flag.Parse()

	server := agentd.NewServer(agentd.Config{Port: *port})

	if err := server.Run(); err != nil {
		klog.Fatalf("Failed to start agent server: %v", err)
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/dvellum/synapse/internal/neuron/controlclient"
	"github.com/dvellum/synapse/internal/neuron/process"
	"github.com/dvellum/synapse/internal/neuron/runtime"
	"github.com/dvellum/synapse/internal/protocol"
	"github.com/dvellum/synapse/pkg/config"
	"github.com/dvellum/synapse/pkg/jsonstore"
	"github.com/dvellum/synapse/pkg/logger"
)

func main() {
	cfg := config.LoadNeuronConfig()
	log := logger.New("neurond", logger.ParseLevel(cfg.LogLevel))

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
		log.Info("no node id configured, generated one", "node_id", nodeID)
	}
	label := cfg.Label
	if label == "" {
		if host, err := os.Hostname(); err == nil {
			label = host
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.StateDir, runtime.StoreName)
	if err != nil {
		log.Error("failed to open config store", "error", err)
		os.Exit(1)
	}

	procs := process.NewManager(log)
	rt, err := runtime.NewManager(procs, store, cfg.PortBase, cfg.PortProbeLimit, cfg.RuntimeTimeout, log)
	if err != nil {
		log.Error("failed to build runtime manager", "error", err)
		os.Exit(1)
	}

	desc := protocol.NeuronDescriptor{NodeID: nodeID, Label: label}
	client := controlclient.New(cfg.ControlEndpoint, desc, cfg.HeartbeatInterval, cfg.DialTimeout, rt, log)

	errorCh := make(chan error, 1)
	go func() {
		log.Info("neuron starting", "node_id", nodeID, "cortex", cfg.ControlEndpoint)
		errorCh <- client.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		client.Close()
		<-errorCh
	case err := <-errorCh:
		if err != nil {
			log.Error("control session failed", "error", err)
			if persistErr := rt.PersistConfigState(); persistErr != nil {
				log.Error("failed to persist config state", "error", persistErr)
			}
			os.Exit(1)
		}
	}

	if err := rt.PersistConfigState(); err != nil {
		log.Error("failed to persist config state", "error", err)
	}
	log.Info("neuron stopped", "node_id", nodeID)
}

func openStore(stateDir, name string) (*jsonstore.Store, error) {
	if stateDir != "" {
		return jsonstore.WithRoot(stateDir, name)
	}
	return jsonstore.New(name)
}

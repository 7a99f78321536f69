package main

import (
	"fmt"
	"os"

	"github.com/overmesh/overmesh/infrastructure/config"
	"github.com/overmesh/overmesh/infrastructure/logger"
	"github.com/overmesh/overmesh/network/connmanager"
	"github.com/overmesh/overmesh/network/peerid"
	"github.com/overmesh/overmesh/network/rpc"
	"github.com/overmesh/overmesh/network/transport/tcp"
	"github.com/overmesh/overmesh/signal"
	"github.com/overmesh/overmesh/version"
)

// overmesh wraps the daemon's long-lived services.
type overmesh struct {
	localID           peerid.ID
	rpcHandler        *rpc.Handler
	connectionManager *connmanager.ConnectionManager
	tcpListener       *tcp.Listener

	// disconnected is closed once the manager's events channel is
	// exhausted.
	disconnected chan struct{}
}

func startApp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		config.PrintUsageError(err)
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("overmesh version %s\n", version.Version())
		return nil
	}

	err = logger.InitLog(cfg.LogFile(), cfg.ErrLogFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %+v\n", err)
		return err
	}
	level, ok := logger.LevelFromString(cfg.LogLevel)
	if !ok {
		log.Warnf("Unknown log level '%s', using '%s'", cfg.LogLevel, level)
	}
	logger.SetLogLevels(level)

	interrupt := signal.InterruptListener()

	app, err := newOvermesh(cfg)
	if err != nil {
		log.Errorf("Error starting overmesh: %+v", err)
		return err
	}
	defer app.stop()

	log.Infof("Version %s", version.Version())
	log.Infof("Local peer ID: %s", app.localID)

	for _, addr := range cfg.ConnectAddresses {
		log.Infof("Connecting to %s", addr)
		app.connectionManager.ConnectTo(addr)
	}

	disconnected := make(chan struct{})
	spawn("startApp-eventLoop", func() {
		for event := range app.connectionManager.Events() {
			switch e := event.(type) {
			case connmanager.NewConnectionEvent:
				log.Infof("New connection to %s (locally initiated: %t)",
					e.Connection.RemoteID(), e.LocallyInitiated)
			case connmanager.ConnectionAttemptFailureEvent:
				log.Warnf("Connection attempt to %s failed: %s", e.Address, e.Reason)
			case connmanager.DisconnectedEvent:
				log.Infof("Connection manager disconnected")
			}
		}
		close(disconnected)
	})
	app.disconnected = disconnected

	<-interrupt
	return nil
}

func newOvermesh(cfg *config.Config) (*overmesh, error) {
	localID, err := peerid.GenerateID()
	if err != nil {
		return nil, err
	}

	rpcHandler := rpc.NewHandler()
	connectionManager, err := connmanager.New(localID, rpcHandler)
	if err != nil {
		return nil, err
	}

	tcpListener := tcp.NewListener(cfg.Listen, cfg.Proxy)
	connectionManager.AddEdgeListener(tcpListener)
	err = tcpListener.Start()
	if err != nil {
		connectionManager.Disconnect()
		return nil, err
	}

	return &overmesh{
		localID:           localID,
		rpcHandler:        rpcHandler,
		connectionManager: connectionManager,
		tcpListener:       tcpListener,
	}, nil
}

// stop tears down all connections and waits for the manager to finish.
func (a *overmesh) stop() {
	a.connectionManager.Disconnect()
	if a.disconnected != nil {
		<-a.disconnected
	}
}

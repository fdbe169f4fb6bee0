package events

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// readyTimeout bounds how long StartEmbedded waits for the server.
const readyTimeout = 5 * time.Second

// StartEmbedded runs an in-process NATS server. A port of -1 picks a free
// one; use ClientURL on the result to connect.
func StartEmbedded(cfg EmbeddedConfig) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go server.Start()

	if !server.ReadyForConnections(readyTimeout) {
		server.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}
	return server, nil
}

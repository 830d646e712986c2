package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"redisrepl/internal/server"
)

func main() {
	var (
		host      string
		port      int
		replicaOf string
	)

	root := &cobra.Command{
		Use:           "redisd",
		Short:         "A minimal Redis-protocol key-value server with leader/follower replication",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := server.DefaultConfig()
			cfg.Host = host
			cfg.Port = port

			if replicaOf != "" {
				masterHost, masterPort, err := parseReplicaOf(replicaOf)
				if err != nil {
					return fmt.Errorf("--replicaof: %w", err)
				}
				cfg.ReplicaOfHost = masterHost
				cfg.ReplicaOfPort = masterPort
			}

			srv, err := server.NewRedisServer(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				log.Println("redisd: signal received, shutting down")
				cancel()
				srv.Shutdown()
			}()

			log.Printf("redisd: starting on %s:%d", cfg.Host, cfg.Port)
			return srv.Start(ctx)
		},
	}

	root.Flags().StringVar(&host, "host", "127.0.0.1", "address to bind to")
	root.Flags().IntVar(&port, "port", 6379, "port to listen on")
	root.Flags().StringVar(&replicaOf, "replicaof", "", `master to follow, as "<host> <port>"`)

	if err := root.Execute(); err != nil {
		log.Fatalf("redisd: %v", err)
	}
}

// parseReplicaOf splits the "<host> <port>" form --replicaof takes.
func parseReplicaOf(value string) (string, int, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf(`expected "<host> <port>", got %q`, value)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", fields[1], err)
	}
	return fields[0], port, nil
}

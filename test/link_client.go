package main

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/protocol"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	address   = pflag.String("address", "localhost:4455", "hub agent-link address")
	machineID = pflag.String("machine-id", "test-ghost-1", "machine id announced in HELLO")
	duration  = pflag.Duration("duration", 30*time.Second, "how long to stay connected")
	status    = pflag.String("status", "", "status to report with an UPDATE after connecting")
)

// A bare control link for poking at a running hub: it registers, answers
// PINGs and PROPERTIES requests, and logs every frame it receives.
func main() {
	pflag.Parse()

	log.Printf("Connecting to hub at %s", *address)

	conn, err := grpc.NewClient(*address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	link, err := protocol.OpenLink(ctx, conn)
	if err != nil {
		log.Fatalf("Failed to open link: %v", err)
	}

	props := map[string]any{"tool": "link_client"}
	if err := link.Send(protocol.Hello(*machineID, agents.ModeControl, "", props)); err != nil {
		log.Fatalf("Failed to send HELLO: %v", err)
	}
	log.Printf("Sent HELLO machine_id=%s", *machineID)

	if *status != "" {
		if err := link.Send(&protocol.Frame{Type: protocol.TypeUpdate, Status: *status}); err != nil {
			log.Fatalf("Failed to send UPDATE: %v", err)
		}
		log.Printf("Sent UPDATE status=%s", *status)
	}

	for {
		f, err := link.Recv()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("Receive error: %v", err)
			}
			break
		}

		switch f.Type {
		case protocol.TypePing:
			log.Println("Received PING")
			if err := link.Send(&protocol.Frame{Type: protocol.TypePong}); err != nil {
				log.Printf("Failed to send PONG: %v", err)
			}
		case protocol.TypeRequestProperties:
			log.Println("Received REQUEST_PROPERTIES")
			if err := link.Send(&protocol.Frame{Type: protocol.TypeProperties, Properties: props}); err != nil {
				log.Printf("Failed to send PROPERTIES: %v", err)
			}
		case protocol.TypeSpawn:
			log.Printf("Received SPAWN session_id=%s mode=%s, refusing", f.SessionID, f.Mode)
			link.Send(protocol.RPCFailure(f.SessionID, "link_client runs no sessions"))
		case protocol.TypeRPCCall:
			log.Printf("Received RPC_CALL id=%s name=%s", f.ID, f.Name)
			link.Send(protocol.RPCFailure(f.ID, "link_client answers no rpcs"))
		default:
			log.Printf("Received frame type=%s", f.Type)
		}
	}

	log.Println("Test client finished")
}

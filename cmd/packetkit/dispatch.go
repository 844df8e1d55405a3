package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/packetkit/config"
	"github.com/vinayprograms/packetkit/dispatch"
	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/packet"
	"github.com/vinayprograms/packetkit/rpc"
	"github.com/vinayprograms/packetkit/shutdown"
	"github.com/vinayprograms/packetkit/stream"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch packets read as JSON lines from stdin",
	Long: `Each stdin line is a JSON object with agent_id, step_id, tool, payload,
memory_pointer and an optional transport_hint. A receipt is printed per packet.`,
	RunE: runDispatch,
}

// packetLine is one stdin request.
type packetLine struct {
	AgentID       string         `json:"agent_id"`
	StepID        string         `json:"step_id"`
	Tool          string         `json:"tool"`
	Payload       map[string]any `json:"payload"`
	MemoryPointer string         `json:"memory_pointer"`
	TransportHint string         `json:"transport_hint"`
}

// receiptLine is one stdout result.
type receiptLine struct {
	PacketID  string   `json:"packet_id"`
	Transport string   `json:"transport,omitempty"`
	EntryID   string   `json:"entry_id,omitempty"`
	Fallback  bool     `json:"fallback"`
	Attempts  []string `json:"attempts"`
	Error     string   `json:"error,omitempty"`
	Code      string   `json:"code,omitempty"`
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
	defer coord.Shutdown(context.Background())

	provider, err := initTelemetry(ctx, "dispatch")
	if err != nil {
		return err
	}
	coord.RegisterFunc("telemetry", shutdown.PhaseDrain, provider.Shutdown)

	conn, err := connectNATS()
	if err != nil {
		return err
	}
	coord.RegisterFunc("nats", shutdown.PhaseTransport, func(ctx context.Context) error {
		return conn.Drain()
	})

	streamClient, err := stream.NewJetStreamClientFromConn(ctx, conn, cfg.JetStreamConfig())
	if err != nil {
		return err
	}

	rpcClient, err := newRPCClient(ctx, conn, coord)
	if err != nil {
		return err
	}

	d, err := dispatch.New(streamClient, rpcClient, cfg.DispatchConfig(),
		dispatch.WithLogger(logger),
		dispatch.WithTracer(provider.Tracer()),
	)
	if err != nil {
		return err
	}

	return dispatchLines(ctx, d, bufio.NewScanner(cmd.InOrStdin()), json.NewEncoder(cmd.OutOrStdout()))
}

// newRPCClient builds the client named by rpc.mode. NATS mode shares conn.
func newRPCClient(ctx context.Context, conn *nats.Conn, coord *shutdown.Coordinator) (dispatch.RPCClient, error) {
	if cfg.RPC.Mode == config.ModeNATS {
		return rpc.NewNATSClient(conn, cfg.NATSConfig()), nil
	}

	client, err := rpc.Dial(ctx, cfg.RPC.Endpoint, cfg.WebSocketConfig())
	if err != nil {
		return nil, err
	}
	coord.RegisterFunc("websocket", shutdown.PhaseTransport, func(ctx context.Context) error {
		return client.Close()
	})
	return client, nil
}

func dispatchLines(ctx context.Context, d *dispatch.Dispatcher, in *bufio.Scanner, out *json.Encoder) error {
	in.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for in.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := decodeLine(line)
		if err != nil {
			out.Encode(receiptLine{Error: err.Error(), Code: string(errors.ErrCodeInvalidInput)})
			continue
		}

		p := packet.New(req.AgentID, req.StepID, req.Tool, req.Payload, req.MemoryPointer,
			packet.WithTransportHint(req.TransportHint))

		receipt, err := d.Dispatch(ctx, p)
		out.Encode(toReceiptLine(p, receipt, err))
	}
	if err := in.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// decodeLine parses one input line. Payload numbers stay json.Number so
// large integers reach the wire unchanged.
func decodeLine(line []byte) (packetLine, error) {
	var req packetLine
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return packetLine{}, err
	}
	return req, nil
}

func toReceiptLine(p *packet.Packet, r *dispatch.Receipt, err error) receiptLine {
	line := receiptLine{PacketID: p.ID(), Attempts: []string{}}
	if err != nil {
		line.Error = err.Error()
		line.Code = string(errors.Code(err))
		if de := errors.AsDelivery(err); de != nil {
			line.Attempts = de.Transports()
			line.Fallback = true
		}
		return line
	}

	line.Transport = r.Transport
	line.EntryID = r.EntryID
	line.Fallback = r.FallbackUsed
	for _, a := range r.Attempts {
		line.Attempts = append(line.Attempts, a.Transport)
	}
	return line
}

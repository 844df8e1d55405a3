package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/packetkit/config"
	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/packet"
	"github.com/vinayprograms/packetkit/receiver"
	"github.com/vinayprograms/packetkit/rpc"
	"github.com/vinayprograms/packetkit/shutdown"
	"github.com/vinayprograms/packetkit/stream"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run the tool-side receiver",
	Long: `Serves JSON-RPC on rpc.listen (websocket) and rpc.subject (NATS), and
consumes the JetStream stream. Accepted packets are written to stdout as JSON
lines.`,
	RunE: runReceive,
}

// stdoutSink writes each packet as one JSON line.
type stdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (s *stdoutSink) Deliver(ctx context.Context, p *packet.Packet) error {
	data, err := p.Serialize()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(json.RawMessage(data))
}

func runReceive(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	coord := shutdown.NewCoordinator(shutdown.Config{
		OnProgress: func(r shutdown.HandlerResult) {
			fields := map[string]interface{}{"handler": r.Name, "phase": r.Phase, "duration": r.Duration.String()}
			if r.Err != nil {
				fields["error"] = r.Err.Error()
			}
			logger.Info("shutdown_step", fields)
		},
	})
	defer coord.Shutdown(context.Background())
	coord.RegisterFunc("intake", shutdown.PhaseIntake, func(context.Context) error {
		cancel()
		return nil
	})

	provider, err := initTelemetry(ctx, "receiver")
	if err != nil {
		return err
	}
	coord.RegisterFunc("telemetry", shutdown.PhaseDrain, provider.Shutdown)

	conn, err := connectNATS()
	if err != nil {
		return err
	}
	coord.RegisterFunc("nats", shutdown.PhaseTransport, func(context.Context) error {
		return conn.Drain()
	})

	opts := []receiver.Option{
		receiver.WithLogger(logger),
		receiver.WithTracer(provider.Tracer()),
	}
	if cfg.Receiver.Dedup == config.DedupNATS {
		dedup, err := receiver.NewNATSDedup(ctx, conn, receiver.NATSDedupConfig{
			Bucket: cfg.Receiver.DedupBucket,
			TTL:    cfg.Receiver.DedupTTL.Duration,
		})
		if err != nil {
			return err
		}
		opts = append(opts, receiver.WithDedup(dedup))
	}

	recv, err := receiver.New(&stdoutSink{enc: json.NewEncoder(os.Stdout)}, cfg.ReceiverConfig(), opts...)
	if err != nil {
		return err
	}
	handler := rpc.NewPacketHandler(recv)

	if cfg.RPC.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.RPC.Path, rpc.NewWebSocketServer(handler, cfg.WebSocketConfig(), logger))
		srv := &http.Server{Addr: cfg.RPC.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		coord.RegisterFunc("rpc-websocket", shutdown.PhaseIntake, srv.Shutdown)

		go func() {
			logger.Info("rpc_listening", map[string]interface{}{"addr": cfg.RPC.Listen, "path": cfg.RPC.Path})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("rpc_server_failed", map[string]interface{}{"error": err.Error()})
				coord.Shutdown(context.Background())
			}
		}()
	}

	go func() {
		if err := rpc.ServeNATS(ctx, conn, cfg.RPC.Subject, cfg.RPC.Queue, handler); err != nil {
			logger.Error("rpc_nats_failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	streamClient, err := stream.NewJetStreamClientFromConn(ctx, conn, cfg.JetStreamConfig())
	if err != nil {
		return err
	}
	go func() {
		err := streamClient.Consume(ctx, cfg.Stream.Consumer, func(ctx context.Context, e stream.Entry) error {
			err := recv.AcceptEntry(ctx, e)
			if err != nil && errors.Category(err) == errors.CategoryPermanent {
				// Redelivery cannot fix a malformed entry.
				logger.Warn("entry_dropped", map[string]interface{}{"entry": e.ID, "error": err.Error()})
				return nil
			}
			return err
		})
		if err != nil {
			logger.Error("stream_consume_failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	coord.HandleSignals()
	logger.Info("receiver_started", map[string]interface{}{
		"stream":  cfg.Stream.Stream,
		"subject": cfg.RPC.Subject,
		"dedup":   cfg.Receiver.Dedup,
	})

	<-coord.Done()
	if res := coord.Result(); res != nil && res.Err != nil {
		return res.Err
	}
	return nil
}

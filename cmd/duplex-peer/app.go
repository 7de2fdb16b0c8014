package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/panta82/duplex-message/pkg/config"
	"github.com/panta82/duplex-message/pkg/hub"
	"github.com/panta82/duplex-message/pkg/message"
	"github.com/panta82/duplex-message/pkg/message/codec"
	"github.com/panta82/duplex-message/pkg/observability"
	"github.com/panta82/duplex-message/pkg/transport"
	"github.com/panta82/duplex-message/pkg/transport/quic"
	"github.com/panta82/duplex-message/pkg/transport/ws"
)

// run either serves inbound peers or dials one, over ws or quic, and speaks
// the correlation protocol across the link.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	reg := codec.NewRegistry()
	if c, err := codec.CBOR(); err == nil {
		reg.Register(c)
	}
	format, err := message.ParseFormat(cfg.Transport.Format)
	if err != nil {
		zap.L().Error("bad transport format", zap.Error(err))
		return 1
	}

	if opts.Serve {
		return serve(cfg, reg, format)
	}
	return dial(cfg, reg, format)
}

// registerHandlers installs the demo service surface on a hub.
func registerHandlers(h *hub.Hub) {
	h.OnMap(message.Broadcast, map[string]hub.Handler{
		"echo": func(ctx context.Context, args []any) (any, error) {
			if len(args) == 0 {
				return nil, nil
			}
			return args[0], nil
		},
		"time": func(ctx context.Context, args []any) (any, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	})
}

func serve(cfg *config.Config, reg *codec.Registry, format message.Format) int {
	switch cfg.Transport.Kind {
	case "ws":
		http.HandleFunc("/duplex", func(w http.ResponseWriter, r *http.Request) {
			conn, err := ws.Upgrade(w, r, reg, format)
			if err != nil {
				zap.L().Warn("upgrade failed", zap.Error(err))
				return
			}
			h := hub.New(conn)
			registerHandlers(h)
			zap.L().Info("peer connected", zap.String("remote", r.RemoteAddr), zap.String("instance", h.InstanceID()))
		})
		zap.L().Info("serving websocket peers", zap.String("listen", cfg.Transport.Listen))
		if err := http.ListenAndServe(cfg.Transport.Listen, nil); err != nil {
			zap.L().Error("serve failed", zap.Error(err))
			return 1
		}
		return 0
	case "quic":
		l, err := quic.Listen(cfg.Transport.Listen, reg, format)
		if err != nil {
			zap.L().Error("listen failed", zap.Error(err))
			return 1
		}
		defer l.Close()
		zap.L().Info("serving quic peers", zap.String("listen", l.Addr()))
		for {
			conn, err := l.Accept(context.Background())
			if err != nil {
				zap.L().Error("accept failed", zap.Error(err))
				return 1
			}
			h := hub.New(conn)
			registerHandlers(h)
			zap.L().Info("peer connected", zap.String("instance", h.InstanceID()))
		}
	default:
		zap.L().Error("transport kind cannot serve remote peers", zap.String("kind", cfg.Transport.Kind))
		return 1
	}
}

func dial(cfg *config.Config, reg *codec.Registry, format message.Format) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		conn transport.Adapter
		err  error
	)
	switch cfg.Transport.Kind {
	case "ws":
		conn, err = ws.Dial(ctx, cfg.Transport.Dial, reg, format)
	case "quic":
		conn, err = quic.Dial(ctx, cfg.Transport.Dial, reg, format)
	default:
		err = fmt.Errorf("transport kind %q cannot dial", cfg.Transport.Kind)
	}
	if err != nil {
		zap.L().Error("dial failed", zap.Error(err))
		return 1
	}
	defer conn.Close()

	h := hub.New(conn)
	echoed, err := h.Emit(ctx, message.Broadcast, "echo", "hello over "+cfg.Transport.Kind)
	if err != nil {
		zap.L().Error("echo failed", zap.Error(err))
		return 1
	}
	now, err := h.Emit(ctx, message.Broadcast, "time")
	if err != nil {
		zap.L().Error("time failed", zap.Error(err))
		return 1
	}
	zap.L().Info("peer replied", zap.Any("echo", echoed), zap.Any("time", now))
	return 0
}

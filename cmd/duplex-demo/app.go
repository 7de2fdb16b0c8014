package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/panta82/duplex-message/pkg/compose"
	"github.com/panta82/duplex-message/pkg/composer"
	"github.com/panta82/duplex-message/pkg/config"
	"github.com/panta82/duplex-message/pkg/hub"
	"github.com/panta82/duplex-message/pkg/message"
	"github.com/panta82/duplex-message/pkg/message/codec"
	"github.com/panta82/duplex-message/pkg/observability"
	"github.com/panta82/duplex-message/pkg/transport/mem"
)

// run wires two hubs across an in-process boundary and exercises both the
// handler-map and the routed dispatch variants.
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

	zap.L().Info("duplex-demo started", zap.String("app", cfg.AppName))

	reg := codec.NewRegistry()
	if c, err := codec.CBOR(); err == nil {
		reg.Register(c)
	}
	format, err := message.ParseFormat(cfg.Transport.Format)
	if err != nil {
		zap.L().Error("bad transport format", zap.Error(err))
		return 1
	}

	ta, tb := mem.Pair(reg, format)
	defer func() { _ = ta.Close(); _ = tb.Close() }()

	responder := hub.New(tb)
	responder.OnMap(message.Broadcast, map[string]hub.Handler{
		"add": func(ctx context.Context, args []any) (any, error) {
			return asFloat(args[0]) + asFloat(args[1]), nil
		},
		"download": func(ctx context.Context, args []any) (any, error) {
			emit := hub.ProgressFunc(ctx)
			for pct := 25; pct < 100; pct += 25 {
				if emit != nil {
					emit(pct)
				}
				time.Sleep(20 * time.Millisecond)
			}
			return "payload of " + args[0].(string), nil
		},
	})

	caller := hub.New(ta)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sum, err := caller.Emit(ctx, responder.InstanceID(), "add", 19, 23)
	if err != nil {
		zap.L().Error("add failed", zap.Error(err))
		return 1
	}
	zap.L().Info("add result", zap.Any("sum", sum))

	final, err := caller.Emit(ctx, responder.InstanceID(), "download", hub.Progress{
		OnProgress: func(data any) { zap.L().Info("download progress", zap.Any("pct", data)) },
		Value:      "demo.bin",
	})
	if err != nil {
		zap.L().Error("download failed", zap.Error(err))
		return 1
	}
	zap.L().Info("download done", zap.Any("result", final))

	if err := routedDemo(ctx, reg, format); err != nil {
		zap.L().Error("routed demo failed", zap.Error(err))
		return 1
	}
	return 0
}

// routedDemo runs a second hub pair where inbound dispatch goes through the
// composer: middleware first, terminal route handler last.
func routedDemo(ctx context.Context, reg *codec.Registry, format message.Format) error {
	comp := composer.New()
	comp.UseGlobal(func(c *composer.Context, next compose.Next) error {
		start := time.Now()
		err := next()
		zap.L().Info("channel handled", zap.String("channel", c.Channel), zap.Duration("took", time.Since(start)))
		return err
	})
	comp.Route("math/mul", func(c *composer.Context, next compose.Next) error {
		args := c.Request.([]any)
		c.Response = asFloat(args[0]) * asFloat(args[1])
		return nil
	})

	ta, tb := mem.Pair(reg, format)
	defer func() { _ = ta.Close(); _ = tb.Close() }()
	routed := hub.New(tb, hub.WithComposer(comp))
	caller := hub.New(ta)

	out, err := caller.Emit(ctx, routed.InstanceID(), "math/mul", 6, 7)
	if err != nil {
		return err
	}
	zap.L().Info("mul result", zap.Any("product", out))
	return nil
}

// asFloat tolerates the numeric types the codecs hand back.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

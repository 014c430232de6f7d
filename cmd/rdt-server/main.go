// =============================================================================
// 文件: cmd/rdt-server/main.go
// 描述: 主程序入口 - 可靠数据报传输接收端
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/rdt/internal/config"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/protocol"
	"github.com/mrcgq/rdt/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

// logHandler 把投递上来的载荷和控制包打到日志
type logHandler struct {
	logLevel int
}

func (h *logHandler) OnData(channel uint8, data []byte) {
	h.log(2, "信道 %d 收到 %d 字节载荷", channel, len(data))
}

func (h *logHandler) OnControl(rpkt *protocol.ReceivedPacket) {
	switch rpkt.Type {
	case protocol.RPTAck:
		h.log(2, "%s ACK seqnum=%d", rpkt, rpkt.Ack.Seqnum)
	case protocol.RPTSetPeerID:
		h.log(1, "%s 对端分配 peer_id=%d", rpkt, rpkt.SetPeerID.NewPeerID)
	case protocol.RPTPing:
		h.log(2, "%s PING", rpkt)
	case protocol.RPTDisco:
		h.log(1, "%s DISCO", rpkt)
	}
}

func (h *logHandler) log(level int, format string, args ...interface{}) {
	if level > h.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Handler] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	mode := flag.String("mode", "", "运行模式: udp/websocket (覆盖配置)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rdt-server %s (build %s)\n", Version, BuildTime)
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	logLevel := cfg.LogLevelInt()

	// 指标服务
	var met *metrics.TransportMetrics
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		met = metrics.NewTransportMetrics(metricsServer.Registry())
	}

	// 接收任务
	receiver := transport.NewReceiver(transport.ReceiverConfig{
		ProtocolID:     cfg.ProtocolID,
		QueueSize:      cfg.Transport.QueueSize,
		EnableDupGuard: cfg.Transport.EnableDupGuard,
		Session: transport.SessionConfig{
			WindowSize:     cfg.Transport.WindowSize,
			SplitTimeoutMs: uint64(cfg.Transport.SplitTimeoutMs),
		},
		LogLevel: logLevel,
	}, &logHandler{logLevel: logLevel}, met)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := receiver.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	switch cfg.Mode {
	case "websocket":
		ws := transport.NewWebSocketServer(cfg.WebSocket.Listen, cfg.WebSocket.Path, receiver, logLevel)
		if err := ws.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
			os.Exit(1)
		}
		g.Go(func() error {
			<-ctx.Done()
			ws.Stop()
			return nil
		})
	default:
		udp := transport.NewUDPServer(cfg.Listen, receiver, logLevel)
		if err := udp.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
			os.Exit(1)
		}
		g.Go(func() error {
			<-ctx.Done()
			udp.Stop()
			return nil
		})
	}

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsServer.Stop()
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "运行错误: %v\n", err)
		os.Exit(1)
	}
}

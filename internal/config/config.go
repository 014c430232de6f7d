// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 加载、校验与示例生成
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// 窗口大小边界，与传输层常量保持一致
const (
	minWindowSize = 0x40
	maxWindowSize = 0x8000
)

// Config 主配置
type Config struct {
	Listen     string `yaml:"listen"`
	LogLevel   string `yaml:"log_level"`
	Mode       string `yaml:"mode"` // udp, websocket
	ProtocolID uint32 `yaml:"protocol_id"`

	Transport TransportConfig `yaml:"transport"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig 传输层调优
type TransportConfig struct {
	WindowSize     int  `yaml:"window_size"`
	SplitTimeoutMs int  `yaml:"split_timeout_ms"`
	QueueSize      int  `yaml:"queue_size"`
	EnableDupGuard bool `yaml:"enable_dup_guard"`
}

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":40001",
		LogLevel:   "info",
		Mode:       "udp",
		ProtocolID: 0x52445431,
		Transport: TransportConfig{
			WindowSize:     0x400,
			SplitTimeoutMs: 30,
			QueueSize:      1024,
			EnableDupGuard: false,
		},
		WebSocket: WebSocketConfig{
			Listen: ":40002",
			Path:   "/dgram",
		},
		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9090",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Load 从文件加载配置，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置，启动前拦截明显错误
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("无效监听地址 %q: %w", c.Listen, err)
	}

	switch c.Mode {
	case "udp", "websocket":
	default:
		return fmt.Errorf("无效运行模式 %q (可选: udp, websocket)", c.Mode)
	}

	switch c.LogLevel {
	case "error", "info", "debug":
	default:
		return fmt.Errorf("无效日志级别 %q (可选: error, info, debug)", c.LogLevel)
	}

	if c.ProtocolID == 0 {
		return fmt.Errorf("protocol_id 不能为 0")
	}

	t := &c.Transport
	if t.WindowSize < minWindowSize || t.WindowSize > maxWindowSize {
		return fmt.Errorf("window_size %d 超出范围 [%d, %d]",
			t.WindowSize, minWindowSize, maxWindowSize)
	}
	if t.SplitTimeoutMs <= 0 {
		return fmt.Errorf("split_timeout_ms 必须为正: %d", t.SplitTimeoutMs)
	}
	if t.QueueSize <= 0 {
		return fmt.Errorf("queue_size 必须为正: %d", t.QueueSize)
	}

	if c.Mode == "websocket" {
		if _, _, err := net.SplitHostPort(c.WebSocket.Listen); err != nil {
			return fmt.Errorf("无效 WebSocket 监听地址 %q: %w", c.WebSocket.Listen, err)
		}
		if c.WebSocket.Path == "" || c.WebSocket.Path[0] != '/' {
			return fmt.Errorf("无效 WebSocket 路径 %q", c.WebSocket.Path)
		}
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("无效 metrics 监听地址 %q: %w", c.Metrics.Listen, err)
		}
		if c.Metrics.Listen == c.Listen {
			return fmt.Errorf("metrics 与主服务端口冲突: %s", c.Listen)
		}
	}

	return nil
}

// LogLevelInt 日志级别转数值: error=0, info=1, debug=2
func (c *Config) LogLevelInt() int {
	switch c.LogLevel {
	case "error":
		return 0
	case "debug":
		return 2
	}
	return 1
}

const exampleConfig = `# 可靠数据报传输配置示例
listen: ":40001"
log_level: "info"        # error, info, debug
mode: "udp"              # udp, websocket
protocol_id: 0x52445431

transport:
  window_size: 0x400     # 可靠接收窗口 [0x40, 0x8000]
  split_timeout_ms: 30   # 非可靠分片组超时
  queue_size: 1024       # 入站数据报队列深度
  enable_dup_guard: false

websocket:
  listen: ":40002"
  path: "/dgram"

metrics:
  enabled: false
  listen: ":9090"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`

// WriteExampleConfig 生成示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(exampleConfig), 0644)
}

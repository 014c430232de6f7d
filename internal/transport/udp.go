// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 底层网络 - 读取数据报并送入接收任务
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mrcgq/rdt/internal/protocol"
)

// UDP socket 缓冲区配置
const (
	udpReadBufferSize  = 8 * 1024 * 1024
	udpWriteBufferSize = 8 * 1024 * 1024
)

// UDPServer 读取 UDP 数据报并投递给接收任务
type UDPServer struct {
	listen   string
	receiver *Receiver
	logLevel int

	conn *net.UDPConn
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewUDPServer 创建 UDP 底层网络
func NewUDPServer(listen string, receiver *Receiver, logLevel int) *UDPServer {
	return &UDPServer{
		listen:   listen,
		receiver: receiver,
		logLevel: logLevel,
	}
}

// Start 绑定端口并启动读取循环
func (s *UDPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.listen)
	if err != nil {
		return fmt.Errorf("解析监听地址失败: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("绑定 UDP 端口失败: %w", err)
	}

	// 尽量放大内核缓冲区，失败不致命
	if err := conn.SetReadBuffer(udpReadBufferSize); err != nil {
		s.log(2, "设置读缓冲区失败: %v", err)
	}
	if err := conn.SetWriteBuffer(udpWriteBufferSize); err != nil {
		s.log(2, "设置写缓冲区失败: %v", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(ctx)

	s.log(1, "UDP 服务器已启动: %s", conn.LocalAddr())
	return nil
}

// readLoop 读取循环。每个数据报复制进独立缓冲区后入队，
// 接收任务持有它直到投递或丢弃。
func (s *UDPServer) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, protocol.PacketMaxSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if !s.isRunning() {
				return
			}
			s.log(0, "UDP 读取错误: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		to := *from
		s.receiver.Enqueue(Datagram{
			Data: data,
			From: from,
			Reply: func(b []byte) error {
				_, err := s.conn.WriteToUDP(b, &to)
				return err
			},
		})
	}
}

// WriteTo 向指定地址发送一个数据报
func (s *UDPServer) WriteTo(data []byte, addr *net.UDPAddr) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("UDP 服务器未启动")
	}
	_, err := conn.WriteToUDP(data, addr)
	return err
}

// LocalAddr 实际绑定的地址
func (s *UDPServer) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPServer) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop 停止服务器
func (s *UDPServer) Stop() {
	s.mu.Lock()
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.log(1, "UDP 服务器已停止")
}

func (s *UDPServer) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [UDP] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 底层网络 - 二进制帧承载数据报，CDN 友好
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketServer 接受 WebSocket 连接，把每个二进制帧当作一个
// 数据报送入接收任务。多条连接汇入同一个接收任务，串行性不变。
type WebSocketServer struct {
	addr     string
	path     string
	receiver *Receiver
	logLevel int

	httpServer *http.Server
	upgrader   websocket.Upgrader
	conns      sync.Map // *websocket.Conn -> *wsSession
	stopCh     chan struct{}
	wg         sync.WaitGroup

	activeConns int64
}

// wsSession 一条 WebSocket 连接
type wsSession struct {
	conn       *websocket.Conn
	remoteAddr net.Addr
	mu         sync.Mutex // 串行化写
}

func (ws *wsSession) write(data []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return ws.conn.WriteMessage(websocket.BinaryMessage, data)
}

// NewWebSocketServer 创建 WebSocket 底层网络
func NewWebSocketServer(addr, path string, receiver *Receiver, logLevel int) *WebSocketServer {
	return &WebSocketServer{
		addr:     addr,
		path:     path,
		receiver: receiver,
		logLevel: logLevel,
		stopCh:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start 启动服务器
func (s *WebSocketServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log(0, "HTTP 服务器错误: %v", err)
		}
	}()

	s.log(1, "WebSocket 服务器已启动: %s%s", s.addr, s.path)
	return nil
}

// handleWebSocket 处理单条连接的读取循环
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(2, "WebSocket 升级失败: %v", err)
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	defer atomic.AddInt64(&s.activeConns, -1)

	session := &wsSession{
		conn:       conn,
		remoteAddr: conn.RemoteAddr(),
	}
	s.conns.Store(conn, session)
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()

	s.log(2, "WebSocket 连接: %s", r.RemoteAddr)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log(2, "WebSocket 读取错误: %v", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		s.receiver.Enqueue(Datagram{
			Data:  data,
			From:  session.remoteAddr,
			Reply: session.write,
		})
	}
}

// ActiveConns 当前连接数
func (s *WebSocketServer) ActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// Stop 停止服务器
func (s *WebSocketServer) Stop() {
	close(s.stopCh)

	s.conns.Range(func(key, value interface{}) bool {
		conn := key.(*websocket.Conn)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		return true
	})

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}

	s.wg.Wait()
	s.log(1, "WebSocket 服务器已停止")
}

func (s *WebSocketServer) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [WebSocket] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

package coap

import (
	"errors"
	"log"
	"net"
	"time"

	"github.com/ironzhang/coaptcp/internal/gctable"
)

var ErrSessionNotFound = errors.New("session not found")

// ListenAndServe 在指定地址端口监听并提供COAP服务.
func ListenAndServe(network, address string, h Handler, o Observer) error {
	return (&Server{
		Handler:  h,
		Observer: o,
	}).ListenAndServe(network, address)
}

// Server 定义了运行一个COAP Server的参数
type Server struct {
	Handler  Handler  // 请求响应接口
	Observer Observer // 观察者接口
	Scheme   string
	Config   *Config // 为nil时使用DefaultConfig

	sessions gctable.Table
}

// ListenAndServe 在指定地址端口监听并提供COAP服务.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Serve 提供COAP服务.
func (s *Server) Serve(ln net.Listener) error {
	if s.Scheme == "" {
		s.Scheme = "coap+tcp"
	}
	if s.Scheme != "coap+tcp" && s.Scheme != "coaps+tcp" {
		return errors.New("invalid scheme")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && e.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			log.Printf("listener(%s) accept: %v", ln.Addr(), err)
			return err
		}
		s.addSession(conn)
	}
}

// SendRequest 通过已有会话发送COAP请求.
func (s *Server) SendRequest(req *Request) (*Response, error) {
	sess, ok := s.getSession(req.URL.Host)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.postRequestAndWaitResponse(req)
}

// Observe 订阅.
//
// token长度不能大于8个字节.
func (s *Server) Observe(token, urlstr string, accept uint32) (*Response, error) {
	if len(token) > 8 {
		return nil, errors.New("invalid token")
	}
	req, err := NewRequest(GET, urlstr, nil)
	if err != nil {
		return nil, err
	}
	req.useToken = true
	req.Token = token
	req.Options.Set(Observe, 0)
	req.Options.Set(Accept, accept)
	return s.SendRequest(req)
}

// CancelObserve 取消订阅.
func (s *Server) CancelObserve(urlstr string) (*Response, error) {
	req, err := NewRequest(GET, urlstr, nil)
	if err != nil {
		return nil, err
	}
	req.Options.Set(Observe, 1)
	return s.SendRequest(req)
}

func (s *Server) addSession(conn net.Conn) *session {
	conf := s.Config
	if conf == nil {
		c := DefaultConfig()
		conf = &c
	}
	obj := s.sessions.Add(conn.RemoteAddr().String(), func() gctable.Object {
		return newSession(conn, s.Handler, s.Observer, s.Scheme, conf.blockwiseConfig())
	})
	return obj.(*session)
}

func (s *Server) getSession(addr string) (*session, bool) {
	if obj, ok := s.sessions.Get(addr); ok {
		return obj.(*session), true
	}
	return nil, false
}

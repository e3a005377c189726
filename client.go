package coap

import (
	"errors"
	"net"
	"sync"
)

// DefaultClient 默认COAP客户端.
var DefaultClient = &Client{}

type Client struct {
	Handler  Handler
	Observer Observer
	Config   *Config // 为nil时使用DefaultConfig

	mu    sync.Mutex
	conns map[string]*clientConn
}

// SendRequest 发送COAP请求并等待响应.
func (c *Client) SendRequest(req *Request) (*Response, error) {
	conn, err := c.conn(req)
	if err != nil {
		return nil, err
	}
	return conn.sess.postRequestWithCache(req)
}

// Observe 订阅, 返回的响应是首个通知.
//
// token长度不能大于8个字节.
func (c *Client) Observe(token, urlstr string, accept uint32) (*Response, error) {
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
	conn, err := c.conn(req)
	if err != nil {
		return nil, err
	}
	return conn.sess.postRequestAndWaitResponse(req)
}

// Close 关闭所有连接.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.sess.Close()
		delete(c.conns, addr)
	}
	return nil
}

func (c *Client) conn(req *Request) (*clientConn, error) {
	if req.URL == nil {
		return nil, errors.New("coap: nil Request.URL")
	}
	if len(req.URL.Host) <= 0 {
		return nil, errors.New("coap: invalid Request.URL.Host")
	}
	return c.addConn(req.URL.Scheme, req.URL.Host)
}

func (c *Client) addConn(scheme, host string) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns == nil {
		c.conns = make(map[string]*clientConn)
	}
	conn, ok := c.conns[host]
	if ok {
		select {
		case <-conn.sess.donec:
			delete(c.conns, host)
		default:
			return conn, nil
		}
	}
	conf := c.Config
	if conf == nil {
		cfg := DefaultConfig()
		conf = &cfg
	}
	conn = &clientConn{}
	if err := conn.init(scheme, host, c.Handler, c.Observer, *conf); err != nil {
		return nil, err
	}
	c.conns[host] = conn
	return conn, nil
}

type clientConn struct {
	conn net.Conn
	sess *session
}

func (c *clientConn) init(scheme, host string, h Handler, o Observer, conf Config) error {
	conn, err := net.Dial("tcp", host)
	if err != nil {
		return err
	}
	c.conn = conn
	c.sess = newSession(conn, h, o, scheme, conf.blockwiseConfig())
	return nil
}

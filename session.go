package coap

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	mrand "math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ironzhang/coaptcp/internal/stack"
	"github.com/ironzhang/coaptcp/internal/stack/base"
	"github.com/ironzhang/coaptcp/internal/stack/blockwise"
)

var (
	Verbose     = 1
	EnableCache = true
)

var (
	ErrTimeout         = errors.New("wait response timeout")
	ErrSessionClosed   = errors.New("session closed")
	ErrTransferAborted = errors.New("blockwise transfer aborted")
)

const updateInterval = 2 * time.Second

// Handler 响应COAP请求的接口
type Handler interface {
	ServeCOAP(ResponseWriter, *Request)
}

// Observer 观察者接口
type Observer interface {
	ServeObserve(*Response)
}

// ResponseWriter 用于构造COAP响应
type ResponseWriter interface {
	// Options 返回Options
	Options() *Options

	// WriteCode 写入响应状态码, 默认为Content
	WriteCode(Code)

	// Write 写入payload
	Write([]byte) (int, error)
}

// response 实现了ResponseWriter接口
type response struct {
	code    Code
	options Options
	buffer  bytes.Buffer
}

func (r *response) Options() *Options {
	return &r.options
}

func (r *response) WriteCode(code Code) {
	r.code = code
}

func (r *response) Write(p []byte) (int, error) {
	return r.buffer.Write(p)
}

type session struct {
	conn       net.Conn
	handler    Handler
	observer   Observer
	localAddr  net.Addr
	remoteAddr net.Addr
	scheme     string
	host       string
	port       uint32

	lastRecvMutex sync.RWMutex
	lastRecvTime  time.Time
	cache         cache

	closeOnce sync.Once
	donec     chan struct{}
	servingc  chan func()
	runningc  chan func()

	// 以下字段只能在running协程中访问
	stack       stack.Stack
	respWaiters map[string]*responseWaiter
}

func newSession(conn net.Conn, h Handler, o Observer, scheme string, conf blockwise.Config) *session {
	return new(session).init(conn, h, o, scheme, conf)
}

func (s *session) init(conn net.Conn, h Handler, o Observer, scheme string, conf blockwise.Config) *session {
	s.conn = conn
	s.handler = h
	s.observer = o
	s.localAddr = conn.LocalAddr()
	s.remoteAddr = conn.RemoteAddr()
	s.scheme = scheme
	host, port, err := net.SplitHostPort(s.localAddr.String())
	if err == nil {
		s.host = host
		if n, err := strconv.ParseUint(port, 10, 16); err == nil {
			s.port = uint32(n)
		}
	}
	s.lastRecvTime = time.Now()

	s.donec = make(chan struct{})
	s.servingc = make(chan func(), 8)
	s.runningc = make(chan func(), 8)

	s.stack.Init(s, s, conf)
	s.respWaiters = make(map[string]*responseWaiter)

	go s.serving() // 调用上层回调接口协程
	go s.running() // 主逻辑协程
	go s.reading() // 读流协程

	s.postMessage(s.makeCSM(conf))
	return s
}

func (s *session) serving() {
	for {
		select {
		case <-s.donec:
			return
		case f := <-s.servingc:
			f()
		}
	}
}

func (s *session) running() {
	t := time.NewTicker(updateInterval)
	defer t.Stop()
	for {
		select {
		case <-s.donec:
			s.failAllWaiters(ErrSessionClosed)
			return
		case f := <-s.runningc:
			f()
		case <-t.C:
			s.update()
		}
	}
}

func (s *session) reading() {
	br := bufio.NewReader(s.conn)
	for {
		m, err := base.ReadMessage(br)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("session(%s) read message: %v", s.remoteAddr, err)
				s.postMessage(base.Message{Code: base.Abort})
			}
			s.Close()
			return
		}
		s.recvMessage(m)
	}
}

func (s *session) update() {
	s.stack.Update()
	for k, w := range s.respWaiters {
		if w.Timeout() {
			delete(s.respWaiters, k)
			w.Done(base.Message{}, ErrTimeout)
		}
	}
}

func (s *session) failAllWaiters(err error) {
	for k, w := range s.respWaiters {
		delete(s.respWaiters, k)
		w.Done(base.Message{}, err)
	}
}

func (s *session) Key() string {
	return s.remoteAddr.String()
}

func (s *session) CanGC() bool {
	return s.lastRecvTimeExpired()
}

func (s *session) ExecuteGC() {
	s.Close()
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.donec)
		s.conn.Close()
	})
	return nil
}

func (s *session) recvMessage(m base.Message) {
	s.lastRecvTimeUpdate()
	select {
	case <-s.donec:
	case s.runningc <- func() { s.handleMessage(m) }:
	}
}

func (s *session) handleMessage(m base.Message) {
	if Verbose >= 2 {
		log.Printf("recv: %s", m.String())
	}

	switch {
	case base.IsSignalCode(m.Code):
		s.handleSignal(m)
	case base.IsRequestCode(m.Code):
		x := base.NewExchange(s.remoteAddr.String())
		if err := s.stack.RecvRequest(x, m); err != nil {
			log.Printf("stack recv request: %v", err)
		}
	case base.IsResponseCode(m.Code):
		x := s.lookupExchange(m)
		if err := s.stack.RecvResponse(x, m); err != nil {
			log.Printf("stack recv response: %v", err)
		}
	default:
		log.Printf("unexpect code: %d.%02d", m.Code>>5, m.Code&0x1f)
	}
}

// lookupExchange 以Token找回发出请求时的交换上下文.
// 找不到时(如observe通知)新建一个.
func (s *session) lookupExchange(m base.Message) *base.Exchange {
	if w, ok := s.respWaiters[m.Token]; ok && w.exchange != nil {
		return w.exchange
	}
	x := base.NewExchange(s.remoteAddr.String())
	if m.GetOption(base.Observe) != nil {
		x.Notification = true
	}
	return x
}

func (s *session) handleSignal(m base.Message) {
	switch m.Code {
	case base.CSM:
		// 对端能力声明, 目前只记录
		if Verbose >= 2 {
			log.Printf("peer(%s) csm received", s.remoteAddr)
		}
	case base.Ping:
		if err := s.sendMessage(base.Message{Code: base.Pong, Token: m.Token}); err != nil {
			log.Printf("send pong: %v", err)
		}
	case base.Pong:
	case base.Release, base.Abort:
		s.Close()
	default:
		log.Printf("unexpect signal: %s", m.String())
	}
}

func (s *session) makeCSM(conf blockwise.Config) base.Message {
	m := base.Message{Code: base.CSM}
	m.SetOption(base.MaxMessageSize, conf.MaxResourceBodySize)
	if conf.BulkBlocks >= 1 {
		m.AddOption(base.BlockWiseTransfer, []byte(nil))
	}
	return m
}

// RecvRequest 组装完成的请求从协议栈上来, 交给上层handler处理.
func (s *session) RecvRequest(x *base.Exchange, m base.Message) error {
	if s.handler == nil {
		log.Printf("handler is nil")
		return s.sendMessage(base.Message{Code: base.NotImplemented, Token: m.Token})
	}

	u, err := s.parseURLFromOptions(Options(m.Options))
	if err != nil {
		log.Printf("parse url from options: %v", err)
		return s.sendMessage(base.Message{Code: base.BadRequest, Token: m.Token})
	}

	// 由serving协程调用上层handler处理请求
	s.postServing(func() {
		req := &Request{
			Method:     Code(m.Code),
			Options:    Options(m.Options),
			URL:        u,
			Token:      m.Token,
			Payload:    m.Payload,
			RemoteAddr: s.remoteAddr,
		}
		resp := &response{code: Content}
		s.handler.ServeCOAP(resp, req)
		s.postResponse(x, m.Token, resp)
	})
	return nil
}

// RecvResponse 组装完成的响应从协议栈上来, 结束等待或交给观察者.
func (s *session) RecvResponse(x *base.Exchange, m base.Message) error {
	options := Options(m.Options)
	if options.Contain(Observe) {
		s.handleObserveResponse(m)
		return nil
	}
	s.finishResponseWait(m, nil)
	return nil
}

func (s *session) handleObserveResponse(m base.Message) {
	// 首个通知同时也结束订阅请求的等待
	s.finishResponseWait(m, nil)

	if s.observer == nil {
		return
	}
	s.postServing(func() {
		s.observer.ServeObserve(&Response{
			Status:     Code(m.Code),
			Options:    Options(m.Options),
			Token:      m.Token,
			Payload:    m.Payload,
			RemoteAddr: s.remoteAddr,
		})
	})
}

// SendRequest/SendResponse 协议栈的最下层, 编码后写入流.
func (s *session) SendRequest(x *base.Exchange, m base.Message) error {
	return s.writeMessage(m)
}

func (s *session) SendResponse(x *base.Exchange, m base.Message) error {
	return s.writeMessage(m)
}

func (s *session) writeMessage(m base.Message) error {
	if Verbose >= 2 {
		log.Printf("send: %s", m.String())
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

func randomInt64(min, max int64) int64 {
	n := max - min
	if n <= 0 {
		return min
	}
	return min + mrand.Int63n(n)
}

func randomDuration() time.Duration {
	const (
		min = 50 * int64(time.Millisecond)
		max = 500 * int64(time.Millisecond)
	)
	return time.Duration(randomInt64(min, max))
}

func (s *session) postRunning(fn func()) {
	select {
	case <-s.donec:
	case s.runningc <- fn:
	default:
		time.AfterFunc(randomDuration(), func() { s.postRunning(fn) })
	}
}

func (s *session) postServing(fn func()) {
	select {
	case <-s.donec:
	case s.servingc <- fn:
	default:
		time.AfterFunc(randomDuration(), func() { s.postServing(fn) })
	}
}

func (s *session) postMessage(m base.Message) {
	s.postRunning(func() {
		if err := s.sendMessage(m); err != nil {
			log.Printf("send message: %v", err)
		}
	})
}

func (s *session) sendMessage(m base.Message) error {
	if Verbose == 1 {
		log.Printf("send: %s", m.String())
	}
	return s.writeMessage(m)
}

func (s *session) postResponse(x *base.Exchange, token string, r *response) {
	s.postRunning(func() {
		m := base.Message{
			Code:    uint8(r.code),
			Token:   token,
			Options: r.options,
			Payload: r.buffer.Bytes(),
		}
		if err := s.stack.SendResponse(x, m); err != nil {
			log.Printf("send response: %v", err)
		}
	})
}

func (s *session) postRequestWithCache(req *Request) (*Response, error) {
	if !EnableCache {
		return s.postRequestAndWaitResponse(req)
	}
	if resp, ok := s.cache.Get(req); ok {
		return resp, nil
	}
	resp, err := s.postRequestAndWaitResponse(req)
	if err != nil {
		return nil, err
	}
	s.cache.Add(req, resp)
	return resp, nil
}

func (s *session) postRequestAndWaitResponse(r *Request) (*Response, error) {
	w := newResponseWaiter()
	if r.Timeout > 0 {
		w.timeout = r.Timeout
	}
	select {
	case <-s.donec:
		return nil, ErrSessionClosed
	case s.runningc <- func() {
		if err := s.sendRequestWithResponseWaiter(r, w); err != nil {
			log.Printf("send request with response waiter: %v", err)
		}
	}:
	}
	resp, err := w.Wait()
	if err != nil {
		return nil, err
	}
	resp.RemoteAddr = s.remoteAddr
	return resp, nil
}

func (s *session) sendRequestWithResponseWaiter(r *Request, w *responseWaiter) (err error) {
	defer func() {
		if err != nil {
			w.Done(base.Message{}, err)
		}
	}()

	// 构造消息
	m := s.makeRequestMessage(r)

	// 检查Token
	if _, ok := s.respWaiters[m.Token]; ok {
		return fmt.Errorf("Token(%x) duplicate", m.Token)
	}

	// 先登记再发送, 块传输层可能同步完成多次收发
	x := base.NewExchange(s.remoteAddr.String())
	x.Request = &m
	x.AddObserver(w)
	w.exchange = x
	s.respWaiters[m.Token] = w

	if err = s.stack.SendRequest(x, m); err != nil {
		delete(s.respWaiters, m.Token)
		return err
	}
	return nil
}

func (s *session) makeRequestMessage(r *Request) base.Message {
	m := base.Message{
		Code:    uint8(r.Method),
		Options: r.Options,
		Payload: r.Payload,
	}
	if r.useToken {
		m.Token = r.Token
	} else {
		m.Token = s.genToken()
	}
	return m
}

func (s *session) finishResponseWait(m base.Message, err error) {
	if w, ok := s.respWaiters[m.Token]; ok {
		delete(s.respWaiters, m.Token)
		w.Done(m, err)
	}
}

func (s *session) genToken() string {
	b := make([]byte, 8)
	rand.Read(b)
	return string(b)
}

func (s *session) lastRecvTimeUpdate() {
	s.lastRecvMutex.Lock()
	s.lastRecvTime = time.Now()
	s.lastRecvMutex.Unlock()
}

func (s *session) lastRecvTimeExpired() bool {
	s.lastRecvMutex.RLock()
	defer s.lastRecvMutex.RUnlock()
	return time.Since(s.lastRecvTime) > time.Hour
}

func (s *session) parseURLFromOptions(options Options) (*url.URL, error) {
	scheme := s.scheme
	host, ok := options.Get(URIHost).(string)
	if !ok {
		host = s.host
	}
	port, ok := options.Get(URIPort).(uint32)
	if !ok {
		port = s.port
	}
	path := options.GetPath()
	query := options.GetQuery()
	urlstr := fmt.Sprintf("%s://%s:%d/%s", scheme, host, port, path)
	if len(query) > 0 {
		urlstr = urlstr + "?" + query
	}
	return url.Parse(urlstr)
}

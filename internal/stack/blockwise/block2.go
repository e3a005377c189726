package blockwise

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

// block2Status 一次Block2传输的跟踪状态.
// 出方向(本端下发响应体)持有切块源, 入方向(本端下载)持有组装缓冲.
// 相比Block1多出ETag快照和notification标记: observe通知到达时
// 据此放弃过期的进行中传输.
type block2Status struct {
	mu sync.Mutex

	// 入方向组装
	buf        bytes.Buffer
	bufferSize int

	// 出方向切块
	body base.BlockBuffer

	first        base.Message
	currentNum   uint32
	szx          uint8
	etag         []byte
	notification bool
	randomAccess bool // 不组装, 响应原样上交
	complete     bool
	deadline     time.Time
	observers    []base.TransferObserver

	cleanupInstalled bool
}

// installCleanup 首次调用返回true, 清理观察者只挂一次.
func (s *block2Status) installCleanup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupInstalled {
		return false
	}
	s.cleanupInstalled = true
	return true
}

func newInboundBlock2Status(m base.Message, bufferSize int, lifetime time.Duration) *block2Status {
	s := &block2Status{
		first:      m,
		bufferSize: bufferSize,
		deadline:   time.Now().Add(lifetime),
	}
	if etag, ok := m.GetOption(base.ETag).([]byte); ok {
		s.etag = etag
	}
	if m.GetOption(base.Observe) != nil {
		s.notification = true
	}
	return s
}

func newOutboundBlock2Status(m base.Message, szx uint8, lifetime time.Duration) *block2Status {
	s := &block2Status{
		first:    m,
		body:     m.Payload,
		szx:      szx,
		deadline: time.Now().Add(lifetime),
	}
	if etag, ok := m.GetOption(base.ETag).([]byte); ok {
		s.etag = etag
	}
	if m.GetOption(base.Observe) != nil {
		s.notification = true
	}
	return s
}

func newRandomAccessBlock2Status(m base.Message, lifetime time.Duration) *block2Status {
	return &block2Status{
		first:        m,
		randomAccess: true,
		deadline:     time.Now().Add(lifetime),
	}
}

// matchEtag 校验本块的ETag与首块一致.
func (s *block2Status) matchEtag(m base.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag, ok := m.GetOption(base.ETag).([]byte)
	if len(s.etag) <= 0 {
		return !ok
	}
	return ok && bytes.Equal(etag, s.etag)
}

func (s *block2Status) addBlock(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len()+len(p) > s.bufferSize {
		return false
	}
	s.buf.Write(p)
	return true
}

func (s *block2Status) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, s.buf.Len())
	copy(b, s.buf.Bytes())
	return b
}

func (s *block2Status) getCurrentNum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentNum
}

func (s *block2Status) setCurrentNum(num uint32) {
	s.mu.Lock()
	s.currentNum = num
	s.mu.Unlock()
}

func (s *block2Status) advance(n uint32) {
	s.mu.Lock()
	s.currentNum += n
	s.mu.Unlock()
}

func (s *block2Status) isNotification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notification
}

func (s *block2Status) isRandomAccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.randomAccess
}

// nextResponseBlock 出方向按请求的块号读取一块响应负载,
// 读取后推进currentNum, 最后一块置complete.
func (s *block2Status) nextResponseBlock(block base.BlockOption) (base.BlockOption, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := block.Size()
	opt, payload, err := s.body.Read(block.Num, size)
	if err != nil {
		return base.BlockOption{}, nil, errors.WithMessage(err, "read response block")
	}
	s.currentNum = block.Num + 1
	if !opt.More {
		s.complete = true
	}
	return opt, payload, nil
}

// hasBlock 判断请求的块号是否落在响应体内.
func (s *block2Status) hasBlock(block base.BlockOption) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.HasBlock(block.Num, block.Size())
}

func (s *block2Status) isComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *block2Status) prepareCleanup(lifetime time.Duration) {
	s.mu.Lock()
	s.deadline = time.Now().Add(lifetime)
	s.mu.Unlock()
}

func (s *block2Status) timedOut(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.deadline)
}

func (s *block2Status) addObserver(o base.TransferObserver) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *block2Status) takeObservers() []base.TransferObserver {
	s.mu.Lock()
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()
	return observers
}

func (s *block2Status) abort(err error) {
	for _, o := range s.takeObservers() {
		o.OnError(err)
	}
	s.mu.Lock()
	s.buf.Reset()
	s.body = nil
	s.mu.Unlock()
}

// finish 通知观察者传输完成.
func (s *block2Status) finish(m *base.Message) {
	for _, o := range s.takeObservers() {
		o.OnComplete(m)
	}
}

// completeOldTransfer 结束被抢占的旧传输. m为nil表示无结果 (RFC 7959 §2.4).
func (s *block2Status) completeOldTransfer(m *base.Message) {
	for _, o := range s.takeObservers() {
		o.OnComplete(m)
	}
	s.mu.Lock()
	s.buf.Reset()
	s.body = nil
	s.mu.Unlock()
}

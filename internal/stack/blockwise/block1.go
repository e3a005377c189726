package blockwise

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

// block1Status 一次Block1传输的跟踪状态.
// 入方向(对端上传)持有组装缓冲, 出方向(本端上传)持有切块源.
// 所有公开操作都在status自己的锁下进行.
type block1Status struct {
	mu sync.Mutex

	// 入方向组装
	buf        bytes.Buffer
	bufferSize int

	// 出方向切块
	body base.BlockBuffer

	first         base.Message // 传输的第一条消息
	currentNum    uint32
	szx           uint8
	contentFormat uint32
	hasFormat     bool
	complete      bool
	deadline      time.Time
	observers     []base.TransferObserver

	cleanupInstalled bool
}

// installCleanup 首次调用返回true, 清理观察者只挂一次.
func (s *block1Status) installCleanup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupInstalled {
		return false
	}
	s.cleanupInstalled = true
	return true
}

func newInboundBlock1Status(m base.Message, bufferSize int, lifetime time.Duration) *block1Status {
	s := &block1Status{
		first:      m,
		bufferSize: bufferSize,
		deadline:   time.Now().Add(lifetime),
	}
	if cf, ok := m.GetOption(base.ContentFormat).(uint32); ok {
		s.contentFormat = cf
		s.hasFormat = true
	}
	return s
}

func newOutboundBlock1Status(m base.Message, szx uint8, lifetime time.Duration) *block1Status {
	return &block1Status{
		first:    m,
		body:     m.Payload,
		szx:      szx,
		deadline: time.Now().Add(lifetime),
	}
}

// hasContentFormat 校验本块的Content-Format与首块一致.
func (s *block1Status) hasContentFormat(m base.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, ok := m.GetOption(base.ContentFormat).(uint32)
	if !s.hasFormat {
		return !ok
	}
	return ok && cf == s.contentFormat
}

// addBlock 追加一块负载, 超出预期大小返回false.
func (s *block1Status) addBlock(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len()+len(p) > s.bufferSize {
		return false
	}
	s.buf.Write(p)
	return true
}

func (s *block1Status) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, s.buf.Len())
	copy(b, s.buf.Bytes())
	return b
}

func (s *block1Status) getCurrentNum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentNum
}

func (s *block1Status) setCurrentNum(num uint32) {
	s.mu.Lock()
	s.currentNum = num
	s.mu.Unlock()
}

func (s *block1Status) advance(n uint32) {
	s.mu.Lock()
	s.currentNum += n
	s.mu.Unlock()
}

func (s *block1Status) getSzx() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.szx
}

func (s *block1Status) setSzx(szx uint8) {
	s.mu.Lock()
	s.szx = szx
	s.mu.Unlock()
}

// nextRequestBlock 出方向按块号读取一块请求负载.
func (s *block1Status) nextRequestBlock(num, size uint32) (base.BlockOption, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opt, payload, err := s.body.Read(num, size)
	if err != nil {
		return base.BlockOption{}, nil, errors.WithMessage(err, "read request block")
	}
	s.currentNum = num
	if !opt.More {
		s.complete = true
	}
	return opt, payload, nil
}

func (s *block1Status) isComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// prepareCleanup 每次状态变更后推后回收期限.
func (s *block1Status) prepareCleanup(lifetime time.Duration) {
	s.mu.Lock()
	s.deadline = time.Now().Add(lifetime)
	s.mu.Unlock()
}

func (s *block1Status) timedOut(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.deadline)
}

func (s *block1Status) addObserver(o base.TransferObserver) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *block1Status) takeObservers() []base.TransferObserver {
	s.mu.Lock()
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()
	return observers
}

// abort 通知观察者传输失败并释放组装缓冲.
func (s *block1Status) abort(err error) {
	for _, o := range s.takeObservers() {
		o.OnError(err)
	}
	s.mu.Lock()
	s.buf.Reset()
	s.body = nil
	s.mu.Unlock()
}

// finish 通知观察者传输结束. m为nil表示被新传输抢占.
func (s *block1Status) finish(m *base.Message) {
	for _, o := range s.takeObservers() {
		o.OnComplete(m)
	}
}

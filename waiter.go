package coap

import (
	"time"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

const defaultResponseTimeout = 20 * time.Second

type responseWaiter struct {
	done     chan struct{}
	start    time.Time
	timeout  time.Duration
	exchange *base.Exchange
	err      error
	msg      base.Message
}

func newResponseWaiter() *responseWaiter {
	return &responseWaiter{
		done:    make(chan struct{}),
		start:   time.Now(),
		timeout: defaultResponseTimeout,
	}
}

func (w *responseWaiter) Timeout() bool {
	return time.Since(w.start) > w.timeout
}

func (w *responseWaiter) Done(msg base.Message, err error) {
	select {
	case <-w.done:
		return
	default:
	}
	w.msg = msg
	w.err = err
	close(w.done)
}

func (w *responseWaiter) Wait() (*Response, error) {
	<-w.done
	if w.err != nil {
		return nil, w.err
	}
	return &Response{
		Status:  Code(w.msg.Code),
		Options: Options(w.msg.Options),
		Token:   w.msg.Token,
		Payload: w.msg.Payload,
	}, nil
}

// OnSendError 块传输层发送失败时结束等待.
func (w *responseWaiter) OnSendError(err error) {
	w.Done(base.Message{}, err)
}

// OnComplete 块传输结束. m为nil表示传输被抢占, 等待以错误收场;
// 正常结果仍走响应路径交付.
func (w *responseWaiter) OnComplete(m *base.Message) {
	if m == nil {
		w.Done(base.Message{}, ErrTransferAborted)
	}
}

// OnError 块传输失败时结束等待.
func (w *responseWaiter) OnError(err error) {
	w.Done(base.Message{}, err)
}

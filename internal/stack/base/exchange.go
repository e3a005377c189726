package base

import "sync"

// MessageObserver 关注一次发送结果的观察者.
type MessageObserver interface {
	OnSendError(err error)
}

// TransferObserver 关注一次块传输结果的观察者.
// OnComplete(nil)表示传输被新的传输抢占 (RFC 7959 §2.4).
type TransferObserver interface {
	OnComplete(m *Message)
	OnError(err error)
}

// Exchange 一次逻辑请求/响应在层间流转的上下文.
type Exchange struct {
	Peer            string
	Request         *Message
	CurrentRequest  *Message
	CurrentResponse *Message

	// Block1ToAck 接收方组装完上传请求后记下最后的Block1选项,
	// 最终响应发出时捎带给对端.
	Block1ToAck *BlockOption

	// Notification 响应是一条observe通知
	Notification bool

	mu        sync.Mutex
	observers []MessageObserver
}

func NewExchange(peer string) *Exchange {
	return &Exchange{Peer: peer}
}

func (x *Exchange) AddObserver(o MessageObserver) {
	if o == nil {
		return
	}
	x.mu.Lock()
	x.observers = append(x.observers, o)
	x.mu.Unlock()
}

func (x *Exchange) Observers() []MessageObserver {
	x.mu.Lock()
	observers := make([]MessageObserver, len(x.observers))
	copy(observers, x.observers)
	x.mu.Unlock()
	return observers
}

// FailSend 向所有观察者通告发送失败.
func (x *Exchange) FailSend(err error) {
	for _, o := range x.Observers() {
		o.OnSendError(err)
	}
}

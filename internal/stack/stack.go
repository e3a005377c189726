package stack

import (
	"github.com/ironzhang/coaptcp/internal/stack/base"
	"github.com/ironzhang/coaptcp/internal/stack/blockwise"
)

// Stack 协议栈. 上行消息经各层Recv*后到达recver,
// 下行消息经各层Send*后到达sender.
type Stack struct {
	base.Recver
	base.Sender
	layers []base.Layer
}

func NewStack(recver base.Recver, sender base.Sender, conf blockwise.Config) *Stack {
	return new(Stack).Init(recver, sender, conf)
}

func (s *Stack) Init(recver base.Recver, sender base.Sender, conf blockwise.Config) *Stack {
	s.Recver, s.Sender, s.layers = makeLayers(
		recver, sender,
		blockwise.NewLayer(conf),
	)
	return s
}

func (s *Stack) Update() {
	for _, l := range s.layers {
		l.Update()
	}
}

func makeLayers(recver base.Recver, sender base.Sender, layers ...base.Layer) (base.Recver, base.Sender, []base.Layer) {
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].SetRecver(recver)
		recver = layers[i]
	}
	for i := 0; i < len(layers); i++ {
		layers[i].SetSender(sender)
		sender = layers[i]
	}
	return recver, sender, layers
}

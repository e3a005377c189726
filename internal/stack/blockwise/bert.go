package blockwise

import (
	"log"

	"github.com/jinzhu/copier"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

// BERT (RFC 8323 §6): SZX=7表示负载由若干1024字节子块拼接而成,
// 一条在线消息承载bertStepSize个子块. 除末块外每个子块必须恰好
// 1024字节, 末块可以更短且M=false.
//
// 收发两个方向的状态机是同一套, 只是策略参数不同:
// SZX<=6按RFC 7959一次一块, SZX=7按步长批量拼接.

// blockPolicy 单次块操作的策略参数.
type blockPolicy struct {
	szx  uint8
	size uint32 // 子块大小
	step int    // 一条消息承载的子块数
}

// outboundPolicy 本端主动发起传输时采用的策略.
func (l *Layer) outboundPolicy() blockPolicy {
	if l.bertEnabled {
		return blockPolicy{szx: base.BertSzx, size: base.BertBlockSize, step: l.bertStepSize}
	}
	return blockPolicy{
		szx:  base.BlockSizeToSzx(l.conf.PreferredBlockSize),
		size: l.conf.PreferredBlockSize,
		step: 1,
	}
}

// policyFor 跟随对端Block选项的策略.
func policyFor(opt base.BlockOption, bertStepSize int) blockPolicy {
	if opt.Szx == base.BertSzx {
		return blockPolicy{szx: base.BertSzx, size: base.BertBlockSize, step: bertStepSize}
	}
	return blockPolicy{szx: opt.Szx, size: opt.Size(), step: 1}
}

// subBlockCount 一条在线消息推进的块数.
func subBlockCount(opt base.BlockOption, payloadLen int) uint32 {
	if opt.Szx == base.BertSzx {
		n := uint32(payloadLen / base.BertBlockSize)
		if n == 0 {
			n = 1
		}
		return n
	}
	return 1
}

// addRandomAccessBlock2Status 为随机访问登记一个不组装的Block2状态,
// 响应到达时原样上交.
func (l *Layer) addRandomAccessBlock2Status(x *base.Exchange, m base.Message) *block2Status {
	key := messageKey(x, m).String()
	s := newRandomAccessBlock2Status(m, l.conf.StatusLifetime)
	if old, ok := l.block2.replace(key, s); ok {
		if o, ok := old.(*block2Status); ok {
			o.completeOldTransfer(nil)
		}
	}
	return s
}

// handleRandomBlockAccess BERT模式下带块号发出请求.
// 要求此前已有同Key的Block1切块上下文, 否则记日志后丢弃.
// 重发的Block1选项固定携带NUM=0, 接收端按负载内容定位块.
func (l *Layer) handleRandomBlockAccess(x *base.Exchange, m base.Message, b2 base.BlockOption) error {
	key := messageKey(x, m).String()
	status := l.getBlock1Status(key)
	if status == nil {
		log.Printf("blockwise: request %s is not initiated with blockwise transfer, random block access is not possible", m.String())
		return nil
	}

	pol := blockPolicy{szx: base.BertSzx, size: base.BertBlockSize, step: l.bertStepSize}
	builder, last, err := l.pullRequestBlocks(status, b2.Num, pol)
	if err != nil {
		return l.Errorf(err, "random access block num=%d", b2.Num)
	}

	out := cloneMessage(m)
	out.Payload = builder
	out.SetOption(base.Block1, base.BlockOption{Num: 0, More: last.More, Szx: base.BertSzx}.Value())
	x.CurrentRequest = &out
	if err := l.BaseLayer.SendRequest(x, out); err != nil {
		x.FailSend(err)
		return err
	}
	return nil
}

// cloneMessage 深拷贝一条消息, 派生块消息时不污染源消息的选项.
func cloneMessage(m base.Message) base.Message {
	var c base.Message
	if err := copier.CopyWithOption(&c, &m, copier.Option{DeepCopy: true}); err != nil {
		// 拷贝失败时退回浅拷贝, 选项另起切片
		c = m
		c.Options = make([]base.Option, len(m.Options))
		copy(c.Options, m.Options)
	}
	return c
}

package blockwise

import (
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

// Config 块传输参数.
type Config struct {
	// BulkBlocks 单个BERT块中1024字节子块的数量, 大于1时启用BERT发送.
	BulkBlocks int

	// PreferredBlockSize 非BERT传输的首选块大小 (16~1024).
	PreferredBlockSize uint32

	// MaxMessageSize 超过该大小的消息体触发块传输.
	MaxMessageSize uint32

	// MaxResourceBodySize 组装缓冲上限, 超出回复4.13.
	MaxResourceBodySize int

	// StatusLifetime 传输状态的回收期限, 每次状态变更后重置.
	StatusLifetime time.Duration
}

func (c *Config) sanitize() {
	if c.BulkBlocks < 1 {
		c.BulkBlocks = 1
	}
	if c.PreferredBlockSize == 0 {
		c.PreferredBlockSize = 512
	}
	c.PreferredBlockSize = base.FixBlockSize(c.PreferredBlockSize)
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1152
	}
	if c.MaxResourceBodySize == 0 {
		c.MaxResourceBodySize = 8192
	}
	if c.StatusLifetime <= 0 {
		c.StatusLifetime = 30 * time.Second
	}
}

var _ base.Layer = &Layer{}

// Layer Block1/Block2块传输层.
// 介于应用层与传输层之间, 按(对端,Token,URI)维护双向传输状态,
// SZX<=6走RFC 7959路径, SZX=7走BERT路径 (RFC 8323 §6).
type Layer struct {
	base.BaseLayer
	conf         Config
	bertStepSize int
	bertEnabled  bool

	block1 registry
	block2 registry
}

func NewLayer(conf Config) *Layer {
	return new(Layer).init(conf)
}

func (l *Layer) init(conf Config) *Layer {
	conf.sanitize()
	l.BaseLayer.Name = "blockwise"
	l.conf = conf
	l.bertStepSize = conf.BulkBlocks
	l.bertEnabled = conf.BulkBlocks > 1
	return l
}

// Update 回收到期的传输状态并通知其观察者.
func (l *Layer) Update() {
	now := time.Now()
	for _, t := range l.block1.sweep(now) {
		t.abort(base.ErrTransferTimeout)
	}
	for _, t := range l.block2.sweep(now) {
		t.abort(base.ErrTransferTimeout)
	}
}

func (l *Layer) requiresBlockwise(m base.Message) bool {
	return len(m.Payload) > int(l.conf.MaxMessageSize)
}

func (l *Layer) requiresBlockwiseResponse(m base.Message, reqB2 *base.BlockOption) bool {
	if len(m.Payload) > int(l.conf.MaxMessageSize) {
		return true
	}
	if reqB2 != nil && len(m.Payload) > int(reqB2.Size()) {
		return true
	}
	return false
}

// RecvRequest 处理从传输层上来的请求.
func (l *Layer) RecvRequest(x *base.Exchange, m base.Message) error {
	if x.Request == nil {
		x.Request = &m
	}
	if b1, ok := base.ParseBlock1Option(m); ok {
		return l.handleInboundBlockwiseUpload(x, m, b1)
	}
	if b2, ok := base.ParseBlock2Option(m); ok && b2.Num > 0 {
		key := messageKey(x, m).String()
		if status := l.getBlock2Status(key); status != nil && !status.isRandomAccess() {
			return l.handleInboundRequestForNextBlock(x, m, key, status, b2)
		}
		// 没有进行中的传输: 资源层持有完整表示, 由响应路径裁剪
	}
	return l.BaseLayer.RecvRequest(x, m)
}

// handleInboundBlockwiseUpload 处理对端的块上传 (Block1).
func (l *Layer) handleInboundBlockwiseUpload(x *base.Exchange, m base.Message, b1 base.BlockOption) error {
	if l.requestExceedsMaxBodySize(m) {
		return l.respondRequestEntityTooLarge(x, m)
	}

	key := messageKey(x, m).String()
	status := l.getInboundBlock1Status(key, m)
	if b1.Num == 0 && status.getCurrentNum() > 0 {
		// 对端重启了传输, 丢弃已组装的部分
		status = l.resetInboundBlock1Status(key, m)
	}

	switch {
	case b1.Num != status.getCurrentNum():
		log.Printf("blockwise: peer sent wrong block, expected no. %d but got %d", status.getCurrentNum(), b1.Num)
		return l.sendBlock1ErrorResponse(x, key, status, m, base.RequestEntityIncomplete, "wrong block number")

	case !status.hasContentFormat(m):
		return l.sendBlock1ErrorResponse(x, key, status, m, base.RequestEntityIncomplete, "unexpected Content-Format")

	case !status.addBlock(m.Payload):
		diag := fmt.Sprintf("body exceeded expected size %d", l.conf.MaxResourceBodySize)
		return l.sendBlock1ErrorResponse(x, key, status, m, base.RequestEntityTooLarge, diag)
	}

	status.advance(subBlockCount(b1, len(m.Payload)))
	if b1.More {
		status.prepareCleanup(l.conf.StatusLifetime)
		r := base.Message{Code: base.Continue, Token: m.Token}
		r.SetOption(base.Block1, base.BlockOption{Num: b1.Num, More: true, Szx: b1.Szx}.Value())
		return l.BaseLayer.SendResponse(x, r)
	}

	// 最后一块: 组装后上交. 复用最后一个分片的Token,
	// 应用层的响应才能回到对端正在等待的请求上.
	x.Block1ToAck = &b1
	assembled := m
	assembled.Payload = status.assembled()
	assembled.DelOption(base.Block1)
	assembled.DelOption(base.Size1)
	l.clearBlock1Status(key, status)
	x.Request = &assembled
	return l.BaseLayer.RecvRequest(x, assembled)
}

// handleInboundRequestForNextBlock 对端索要响应体的后续块 (Block2, NUM>0).
// 状态锁只覆盖子块读取, 不跨越上下层调用 (SendResponse不阻塞).
func (l *Layer) handleInboundRequestForNextBlock(x *base.Exchange, m base.Message, key string, status *block2Status, b2 base.BlockOption) error {
	pol := policyFor(b2, l.bertStepSize)
	builder, last, err := l.pullResponseBlocks(status, b2.Num, pol)
	if err != nil {
		// 请求了响应体之外的块
		l.clearBlock2Status(key, status)
		status.abort(errors.WithMessage(err, "unknown block"))
		r := base.Message{Code: base.BadOption, Token: m.Token}
		r.SetOption(base.Block2, b2.Value())
		return l.BaseLayer.SendResponse(x, r)
	}

	if status.isComplete() {
		l.clearBlock2Status(key, status)
	} else {
		status.prepareCleanup(l.conf.StatusLifetime)
	}

	r := cloneMessage(status.first)
	r.Token = m.Token
	r.Payload = builder
	r.DelOption(base.Size2)
	r.SetOption(base.Block2, base.BlockOption{Num: b2.Num, More: last.More, Szx: b2.Szx}.Value())
	return l.BaseLayer.SendResponse(x, r)
}

// SendRequest 处理应用层下发的请求.
func (l *Layer) SendRequest(x *base.Exchange, m base.Message) error {
	if x.Request == nil {
		x.Request = &m
	}

	if b2, ok := base.ParseBlock2Option(m); ok && b2.Num > 0 {
		// 显式指定块号: 随机访问.
		// NUM=0不算随机访问, 那可能只是早期块大小协商.
		l.addRandomAccessBlock2Status(x, m)
		if l.bertEnabled {
			return l.handleRandomBlockAccess(x, m, b2)
		}
		x.CurrentRequest = &m
		return l.BaseLayer.SendRequest(x, m)
	}

	key := messageKey(x, m).String()
	if status := l.getBlock2Status(key); status != nil {
		// 同一资源同时只允许一个进行中的Block2传输 (RFC 7959 §2.4),
		// 放弃旧传输, 观察者以nil结果收场.
		l.clearBlock2Status(key, status)
		status.completeOldTransfer(nil)
	}

	if l.requiresBlockwise(m) {
		return l.startBlockwiseUpload(x, m, key)
	}
	x.CurrentRequest = &m
	return l.BaseLayer.SendRequest(x, m)
}

// startBlockwiseUpload 把大请求体切块, 发出第一个(或第一批)块.
func (l *Layer) startBlockwiseUpload(x *base.Exchange, m base.Message, key string) error {
	pol := l.outboundPolicy()

	if old := l.getBlock1Status(key); old != nil {
		l.clearBlock1Status(key, old)
		old.finish(nil)
	}
	status := newOutboundBlock1Status(m, pol.szx, l.conf.StatusLifetime)
	attachTransferObservers(x, status.addObserver)
	l.block1.put(key, status)

	builder, last, err := l.pullRequestBlocks(status, 0, pol)
	if err != nil {
		l.clearBlock1Status(key, status)
		return l.NewError(err)
	}

	block := cloneMessage(m)
	block.Payload = builder
	block.SetOption(base.Size1, uint32(len(m.Payload)))
	block.SetOption(base.Block1, base.BlockOption{Num: 0, More: last.More, Szx: pol.szx}.Value())
	l.addBlock1CleanupObserver(x, key, status)
	x.CurrentRequest = &block
	if err := l.BaseLayer.SendRequest(x, block); err != nil {
		x.FailSend(err)
		return err
	}
	return nil
}

// RecvResponse 处理从传输层上来的响应.
func (l *Layer) RecvResponse(x *base.Exchange, m base.Message) error {
	key := requestKey(x).String()

	if b1, ok := base.ParseBlock1Option(m); ok {
		if status := l.getBlock1Status(key); status != nil {
			if m.Code == base.Continue {
				return l.sendNextBlock(x, m, key, status, b1)
			}
			// 上传的最终应答
			l.clearBlock1Status(key, status)
			status.finish(&m)
		}
	} else if isErrorCode(m.Code) {
		// 上传被对端以错误响应终止
		if status := l.getBlock1Status(key); status != nil {
			l.clearBlock1Status(key, status)
			status.finish(&m)
		}
	}

	if b2, ok := base.ParseBlock2Option(m); ok && !isErrorCode(m.Code) {
		return l.handleBlockwiseDownload(x, m, key, b2)
	}
	return l.BaseLayer.RecvResponse(x, m)
}

// sendNextBlock 对端应答2.31 Continue, 发出下一个(或下一批)块.
func (l *Layer) sendNextBlock(x *base.Exchange, resp base.Message, key string, status *block1Status, b1 base.BlockOption) error {
	pol := policyFor(b1, l.bertStepSize)
	var startNum uint32
	if pol.szx == base.BertSzx {
		startNum = status.getCurrentNum() + 1
	} else {
		// 对端可能协商了更小的块
		status.setSzx(pol.szx)
		startNum = b1.Num + 1
	}

	builder, last, err := l.pullRequestBlocks(status, startNum, pol)
	if err != nil {
		// 运行时错误: 挂上发送错误并放弃传输, 不再触碰状态
		l.clearBlock1Status(key, status)
		err = l.Errorf(err, "next block num=%d", startNum)
		x.FailSend(err)
		return err
	}

	block := cloneMessage(status.first)
	block.Token = resp.Token // 复用Token便于追踪
	block.Payload = builder
	block.DelOption(base.Size1)
	block.SetOption(base.Block1, base.BlockOption{Num: startNum, More: last.More, Szx: pol.szx}.Value())
	l.addBlock1CleanupObserver(x, key, status)
	status.prepareCleanup(l.conf.StatusLifetime)
	x.CurrentRequest = &block
	if err := l.BaseLayer.SendRequest(x, block); err != nil {
		x.FailSend(err)
		return err
	}
	return nil
}

// handleBlockwiseDownload 组装对端的块响应 (Block2).
func (l *Layer) handleBlockwiseDownload(x *base.Exchange, m base.Message, key string, b2 base.BlockOption) error {
	if status := l.getBlock2Status(key); status != nil && status.isRandomAccess() {
		// 随机访问是单发单收, 响应原样上交
		l.clearBlock2Status(key, status)
		status.finish(&m)
		return l.BaseLayer.RecvResponse(x, m)
	}

	status := l.getInboundBlock2Status(key, x, m)
	if b2.Num == 0 && status.getCurrentNum() > 0 {
		// 新的表示(通常是observe通知)抢占了进行中的传输
		l.clearBlock2Status(key, status)
		status.completeOldTransfer(nil)
		status = l.getInboundBlock2Status(key, x, m)
	}

	switch {
	case b2.Num != status.getCurrentNum():
		l.clearBlock2Status(key, status)
		err := l.Errorf(base.ErrTransferAborted, "wrong block number: expected %d got %d", status.getCurrentNum(), b2.Num)
		status.abort(err)
		return err

	case !status.matchEtag(m):
		l.clearBlock2Status(key, status)
		err := l.Errorf(base.ErrTransferAborted, "representation changed during transfer")
		status.abort(err)
		return err

	case !status.addBlock(m.Payload):
		l.clearBlock2Status(key, status)
		err := l.Errorf(base.ErrTransferAborted, "body exceeded expected size %d", l.conf.MaxResourceBodySize)
		status.abort(err)
		return err
	}

	if b2.More {
		next := status.getCurrentNum() + subBlockCount(b2, len(m.Payload))
		return l.requestNextBlock(x, m, key, status, b2, next)
	}

	// 组装完成, 上交
	assembled := m
	assembled.Payload = status.assembled()
	assembled.DelOption(base.Block2)
	assembled.DelOption(base.Size2)
	l.clearBlock2Status(key, status)
	status.finish(&assembled)
	return l.BaseLayer.RecvResponse(x, assembled)
}

// requestNextBlock 向对端索要下一块响应.
func (l *Layer) requestNextBlock(x *base.Exchange, resp base.Message, key string, status *block2Status, b2 base.BlockOption, next uint32) error {
	status.setCurrentNum(next)

	var req base.Message
	if x.Request != nil {
		req = cloneMessage(*x.Request)
	} else {
		req = base.Message{Code: base.GET}
	}
	req.Payload = nil
	if !x.Notification {
		req.Token = resp.Token
	}
	// 块获取不能携带Observe
	req.DelOption(base.Observe)
	req.SetOption(base.Block2, base.BlockOption{Num: next, More: false, Szx: b2.Szx}.Value())

	l.addBlock2CleanupObserver(x, key, status)
	status.prepareCleanup(l.conf.StatusLifetime)
	x.CurrentRequest = &req
	if err := l.BaseLayer.SendRequest(x, req); err != nil {
		x.FailSend(err)
		return err
	}
	return nil
}

// SendResponse 处理应用层下发的响应.
func (l *Layer) SendResponse(x *base.Exchange, m base.Message) error {
	var reqB2 *base.BlockOption
	if x.Request != nil {
		if o, ok := base.ParseBlock2Option(*x.Request); ok {
			reqB2 = &o
		}
	}

	out := m
	if reqB2 != nil && reqB2.Num > 0 {
		out = l.respondToRandomAccess(x, m, *reqB2)
	} else if l.requiresBlockwiseResponse(m, reqB2) {
		out = l.startBlockwiseDownload(x, m, reqB2)
	}

	if x.Block1ToAck != nil {
		out.SetOption(base.Block1, x.Block1ToAck.Value())
		x.Block1ToAck = nil
	}
	x.CurrentResponse = &out
	return l.BaseLayer.SendResponse(x, out)
}

// respondToRandomAccess 对端随机访问了响应体的某一块.
func (l *Layer) respondToRandomAccess(x *base.Exchange, m base.Message, reqB2 base.BlockOption) base.Message {
	pol := policyFor(reqB2, l.bertStepSize)

	if respB2, ok := base.ParseBlock2Option(m); ok {
		// 资源层自己支持块检索
		if respB2.Num != reqB2.Num {
			log.Printf("blockwise: resource implementation error, peer requested block %d but resource returned block %d", reqB2.Num, respB2.Num)
			return base.Message{
				Code:    base.InternalServerError,
				Token:   m.Token,
				Payload: []byte("resource returned wrong block"),
			}
		}
		return m
	}

	body := base.BlockBuffer(m.Payload)
	if !body.HasBlock(reqB2.Num, pol.size) {
		// 请求了不存在的块
		r := base.Message{Code: base.BadOption, Token: m.Token}
		r.SetOption(base.Block2, reqB2.Value())
		return r
	}

	// 资源层返回了完整响应体, 裁剪出请求的块
	builder := make([]byte, 0, pol.step*int(pol.size))
	num := reqB2.Num
	var last base.BlockOption
	for i := 0; i < pol.step; i++ {
		opt, payload, err := body.Read(num, pol.size)
		if err != nil {
			break
		}
		builder = append(builder, payload...)
		last = opt
		num++
		if !opt.More {
			break
		}
	}
	out := m
	out.Payload = builder
	out.SetOption(base.Block2, base.BlockOption{Num: reqB2.Num, More: last.More, Szx: reqB2.Szx}.Value())
	return out
}

// startBlockwiseDownload 把大响应体切块, 发出第一个(或第一批)块.
// 对端可能已用NUM=0的Block2做了早期块大小协商.
func (l *Layer) startBlockwiseDownload(x *base.Exchange, m base.Message, reqB2 *base.BlockOption) base.Message {
	pol := l.outboundPolicy()
	if reqB2 != nil {
		pol = policyFor(*reqB2, l.bertStepSize)
	}

	key := requestKey(x).String()
	status := l.resetOutboundBlock2Status(key, m, pol.szx)
	builder, last, err := l.pullResponseBlocks(status, 0, pol)
	if err != nil {
		l.clearBlock2Status(key, status)
		return m
	}

	if status.isComplete() {
		l.clearBlock2Status(key, status)
	} else {
		status.prepareCleanup(l.conf.StatusLifetime)
	}

	out := cloneMessage(m)
	out.Payload = builder
	out.SetOption(base.Size2, uint32(len(m.Payload)))
	out.SetOption(base.Block2, base.BlockOption{Num: 0, More: last.More, Szx: pol.szx}.Value())
	return out
}

// pullRequestBlocks 从上传源中连续读取至多step个子块.
func (l *Layer) pullRequestBlocks(status *block1Status, startNum uint32, pol blockPolicy) ([]byte, base.BlockOption, error) {
	builder := make([]byte, 0, pol.step*int(pol.size))
	num := startNum
	var last base.BlockOption
	for i := 0; i < pol.step; i++ {
		opt, payload, err := status.nextRequestBlock(num, pol.size)
		if err != nil {
			if i == 0 {
				return nil, last, err
			}
			break
		}
		builder = append(builder, payload...)
		last = opt
		num++
		if !opt.More {
			break
		}
	}
	return builder, last, nil
}

// pullResponseBlocks 从响应源中连续读取至多step个子块.
func (l *Layer) pullResponseBlocks(status *block2Status, startNum uint32, pol blockPolicy) ([]byte, base.BlockOption, error) {
	builder := make([]byte, 0, pol.step*int(pol.size))
	block := base.BlockOption{Num: startNum, Szx: pol.szx}
	var last base.BlockOption
	for i := 0; i < pol.step; i++ {
		opt, payload, err := status.nextResponseBlock(block)
		if err != nil {
			if i == 0 {
				return nil, last, err
			}
			break
		}
		builder = append(builder, payload...)
		last = opt
		block.Num++
		if !opt.More {
			break
		}
	}
	return builder, last, nil
}

func (l *Layer) requestExceedsMaxBodySize(m base.Message) bool {
	if size1, ok := m.GetOption(base.Size1).(uint32); ok {
		return size1 > uint32(l.conf.MaxResourceBodySize)
	}
	return false
}

func (l *Layer) respondRequestEntityTooLarge(x *base.Exchange, m base.Message) error {
	r := base.Message{Code: base.RequestEntityTooLarge, Token: m.Token}
	r.SetOption(base.Size1, uint32(l.conf.MaxResourceBodySize))
	return l.BaseLayer.SendResponse(x, r)
}

func (l *Layer) sendBlock1ErrorResponse(x *base.Exchange, key string, status *block1Status, m base.Message, code uint8, diag string) error {
	l.clearBlock1Status(key, status)
	status.abort(errors.New(diag))
	r := base.Message{Code: code, Token: m.Token, Payload: []byte(diag)}
	if code == base.RequestEntityTooLarge {
		r.SetOption(base.Size1, uint32(l.conf.MaxResourceBodySize))
	}
	return l.BaseLayer.SendResponse(x, r)
}

func (l *Layer) getBlock1Status(key string) *block1Status {
	if t, ok := l.block1.get(key); ok {
		if s, ok := t.(*block1Status); ok {
			return s
		}
	}
	return nil
}

func (l *Layer) getBlock2Status(key string) *block2Status {
	if t, ok := l.block2.get(key); ok {
		if s, ok := t.(*block2Status); ok {
			return s
		}
	}
	return nil
}

func (l *Layer) getInboundBlock1Status(key string, m base.Message) *block1Status {
	if s := l.getBlock1Status(key); s != nil {
		return s
	}
	s := newInboundBlock1Status(m, l.conf.MaxResourceBodySize, l.conf.StatusLifetime)
	l.block1.put(key, s)
	return s
}

func (l *Layer) resetInboundBlock1Status(key string, m base.Message) *block1Status {
	s := newInboundBlock1Status(m, l.conf.MaxResourceBodySize, l.conf.StatusLifetime)
	l.block1.put(key, s)
	return s
}

func (l *Layer) getInboundBlock2Status(key string, x *base.Exchange, m base.Message) *block2Status {
	if s := l.getBlock2Status(key); s != nil {
		return s
	}
	s := newInboundBlock2Status(m, l.conf.MaxResourceBodySize, l.conf.StatusLifetime)
	attachTransferObservers(x, s.addObserver)
	l.block2.put(key, s)
	return s
}

// attachTransferObservers 把交换上的传输观察者挂到status上.
func attachTransferObservers(x *base.Exchange, add func(base.TransferObserver)) {
	for _, o := range x.Observers() {
		if t, ok := o.(base.TransferObserver); ok {
			add(t)
		}
	}
}

func (l *Layer) resetOutboundBlock2Status(key string, m base.Message, szx uint8) *block2Status {
	s := newOutboundBlock2Status(m, szx, l.conf.StatusLifetime)
	if old, ok := l.block2.replace(key, s); ok {
		if o, ok := old.(*block2Status); ok {
			o.completeOldTransfer(nil)
		}
	}
	return s
}

func (l *Layer) clearBlock1Status(key string, status *block1Status) {
	l.block1.removeMatch(key, status)
}

func (l *Layer) clearBlock2Status(key string, status *block2Status) {
	l.block2.removeMatch(key, status)
}

func (l *Layer) addBlock1CleanupObserver(x *base.Exchange, key string, status *block1Status) {
	if !status.installCleanup() {
		return
	}
	x.AddObserver(&block1CleanupObserver{layer: l, key: key, status: status})
}

func (l *Layer) addBlock2CleanupObserver(x *base.Exchange, key string, status *block2Status) {
	if !status.installCleanup() {
		return
	}
	x.AddObserver(&block2CleanupObserver{layer: l, key: key, status: status})
}

// block1CleanupObserver 出站块请求发送失败时摘除并终止对应的传输.
type block1CleanupObserver struct {
	layer  *Layer
	key    string
	status *block1Status
}

func (o *block1CleanupObserver) OnSendError(err error) {
	if o.layer.block1.removeMatch(o.key, o.status) {
		o.status.abort(err)
	}
}

type block2CleanupObserver struct {
	layer  *Layer
	key    string
	status *block2Status
}

func (o *block2CleanupObserver) OnSendError(err error) {
	if o.layer.block2.removeMatch(o.key, o.status) {
		o.status.abort(err)
	}
}

func isErrorCode(c uint8) bool {
	return c>>5 >= 4
}

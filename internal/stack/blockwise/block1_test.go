package blockwise

import (
	"bytes"
	"testing"
	"time"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

func TestBlock1StatusAssemble(t *testing.T) {
	m := base.Message{Code: base.PUT, Token: "tk"}
	m.SetOption(base.ContentFormat, uint32(base.AppJSON))
	s := newInboundBlock1Status(m, 4096, time.Minute)

	if !s.hasContentFormat(m) {
		t.Error("content format should match first message")
	}
	other := base.Message{Code: base.PUT, Token: "tk"}
	other.SetOption(base.ContentFormat, uint32(base.TextPlain))
	if s.hasContentFormat(other) {
		t.Error("content format should mismatch")
	}

	if !s.addBlock(makeBody(1024)) {
		t.Fatal("add block failed")
	}
	if !s.addBlock(makeBody(1024)) {
		t.Fatal("add block failed")
	}
	if s.addBlock(makeBody(4096)) {
		t.Error("add block should overflow")
	}
	if got, want := len(s.assembled()), 2048; got != want {
		t.Errorf("assembled: %d != %d", got, want)
	}

	s.advance(2)
	if got, want := s.getCurrentNum(), uint32(2); got != want {
		t.Errorf("current num: %d != %d", got, want)
	}
}

func TestBlock1StatusOutbound(t *testing.T) {
	body := makeBody(2500)
	m := base.Message{Code: base.PUT, Token: "tk", Payload: body}
	s := newOutboundBlock1Status(m, 6, time.Minute)

	opt, payload, err := s.nextRequestBlock(0, 1024)
	if err != nil {
		t.Fatalf("next request block: %v", err)
	}
	if want := (base.BlockOption{Num: 0, More: true, Szx: 6}); opt != want {
		t.Errorf("option: %v != %v", opt, want)
	}
	if !bytes.Equal(payload, body[:1024]) {
		t.Error("payload mismatch")
	}

	opt, payload, err = s.nextRequestBlock(2, 1024)
	if err != nil {
		t.Fatalf("next request block: %v", err)
	}
	if opt.More {
		t.Error("last block should not have more")
	}
	if !bytes.Equal(payload, body[2048:]) {
		t.Error("payload mismatch")
	}
	if !s.isComplete() {
		t.Error("status should be complete")
	}

	if _, _, err = s.nextRequestBlock(3, 1024); err == nil {
		t.Error("read beyond body should fail")
	}
}

func TestBlock1StatusCleanupDeadline(t *testing.T) {
	m := base.Message{Code: base.PUT, Token: "tk"}
	s := newInboundBlock1Status(m, 4096, 10*time.Millisecond)
	if s.timedOut(time.Now()) {
		t.Error("fresh status should not time out")
	}
	if !s.timedOut(time.Now().Add(20 * time.Millisecond)) {
		t.Error("status should time out after lifetime")
	}
	// 状态变更后期限顺延
	s.prepareCleanup(time.Minute)
	if s.timedOut(time.Now().Add(20 * time.Millisecond)) {
		t.Error("deadline should be extended")
	}
}

func TestBlock2StatusResponseBlocks(t *testing.T) {
	body := makeBody(5000)
	m := base.Message{Code: base.Content, Token: "tk", Payload: body}
	s := newOutboundBlock2Status(m, 6, time.Minute)

	opt, payload, err := s.nextResponseBlock(base.BlockOption{Num: 3, Szx: 6})
	if err != nil {
		t.Fatalf("next response block: %v", err)
	}
	if want := (base.BlockOption{Num: 3, More: true, Szx: 6}); opt != want {
		t.Errorf("option: %v != %v", opt, want)
	}
	if !bytes.Equal(payload, body[3072:4096]) {
		t.Error("payload mismatch")
	}
	if got, want := s.getCurrentNum(), uint32(4); got != want {
		t.Errorf("current num: %d != %d", got, want)
	}

	if _, _, err = s.nextResponseBlock(base.BlockOption{Num: 4, Szx: 6}); err != nil {
		t.Fatalf("next response block: %v", err)
	}
	if !s.isComplete() {
		t.Error("status should be complete")
	}
	if !s.hasBlock(base.BlockOption{Num: 4, Szx: 6}) {
		t.Error("block 4 should exist")
	}
	if s.hasBlock(base.BlockOption{Num: 5, Szx: 6}) {
		t.Error("block 5 should not exist")
	}
}

func TestBlock2StatusEtag(t *testing.T) {
	m := base.Message{Code: base.Content, Token: "tk"}
	m.SetOption(base.ETag, []byte{1, 2, 3})
	s := newInboundBlock2Status(m, 4096, time.Minute)

	if !s.matchEtag(m) {
		t.Error("etag should match first message")
	}
	other := base.Message{Code: base.Content, Token: "tk"}
	other.SetOption(base.ETag, []byte{9, 9, 9})
	if s.matchEtag(other) {
		t.Error("etag should mismatch")
	}
}

func TestBlock2StatusObservers(t *testing.T) {
	m := base.Message{Code: base.Content, Token: "tk"}
	s := newInboundBlock2Status(m, 4096, time.Minute)

	var completes []*base.Message
	var errs []error
	s.addObserver(funcObserver{
		onComplete: func(m *base.Message) { completes = append(completes, m) },
		onError:    func(err error) { errs = append(errs, err) },
	})

	s.completeOldTransfer(nil)
	if len(completes) != 1 || completes[0] != nil {
		t.Errorf("completes: %v", completes)
	}

	// 观察者一次性消费, 再次通知无效果
	s.abort(base.ErrTransferTimeout)
	if len(errs) != 0 {
		t.Errorf("errs: %v", errs)
	}
}

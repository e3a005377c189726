package blockwise

import (
	"testing"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

func TestMessageKey(t *testing.T) {
	x := base.NewExchange("192.0.2.1:5683")

	m := base.Message{Code: base.PUT, Token: "tk"}
	m.AddOption(base.URIPath, "a")
	m.AddOption(base.URIPath, "b")
	m.AddOption(base.URIQuery, "x=1")
	m.AddOption(base.URIQuery, "y=2")

	key := messageKey(x, m)
	want := transferKey{peer: "192.0.2.1:5683", token: "tk", path: "a/b", query: "x=1&y=2"}
	if key != want {
		t.Errorf("key: %v != %v", key, want)
	}

	// 同样的消息算出同样的Key
	if got, want := messageKey(x, m).String(), key.String(); got != want {
		t.Errorf("key string: %q != %q", got, want)
	}

	// Token不同则Key不同
	m2 := m
	m2.Token = "other"
	if messageKey(x, m2) == key {
		t.Error("key should differ by token")
	}

	// 对端不同则Key不同
	x2 := base.NewExchange("192.0.2.2:5683")
	if messageKey(x2, m) == key {
		t.Error("key should differ by peer")
	}
}

func TestRequestKey(t *testing.T) {
	x := base.NewExchange("192.0.2.1:5683")
	m := base.Message{Code: base.GET, Token: "tk"}
	m.AddOption(base.URIPath, "doc")
	x.Request = &m

	if got, want := requestKey(x), messageKey(x, m); got != want {
		t.Errorf("request key: %v != %v", got, want)
	}

	// 没有请求时只有对端标识
	x2 := base.NewExchange("192.0.2.1:5683")
	if got, want := requestKey(x2), (transferKey{peer: "192.0.2.1:5683"}); got != want {
		t.Errorf("empty request key: %v != %v", got, want)
	}
}

package coap

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

func OptionsString(o Options) string {
	var b bytes.Buffer
	o.Write(&b)
	return b.String()
}

func TestOptionsAddSetGetDel(t *testing.T) {
	var options Options
	options.Add(URIPath, "a")
	options.Add(URIPath, "b")
	if got, want := len(options.GetAll(URIPath)), 2; got != want {
		t.Errorf("uri-path count: %d != %d", got, want)
	}
	if got, want := options.Get(URIPath), "a"; got != want {
		t.Errorf("uri-path first: %v != %v", got, want)
	}

	options.Set(URIPath, "c")
	if got, want := options.GetAll(URIPath), []interface{}{"c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("uri-path after set: %v != %v", got, want)
	}

	if !options.Contain(URIPath) {
		t.Error("should contain uri-path")
	}
	options.Del(URIPath)
	if options.Contain(URIPath) {
		t.Error("should not contain uri-path")
	}
}

func TestOptionsPath(t *testing.T) {
	tests := []struct {
		path  string
		parts []interface{}
		join  string
	}{
		{path: "/a/b/c", parts: []interface{}{"a", "b", "c"}, join: "a/b/c"},
		{path: "a/b", parts: []interface{}{"a", "b"}, join: "a/b"},
		{path: "", parts: nil, join: ""},
	}
	for i, tt := range tests {
		var options Options
		options.SetPath(tt.path)
		if got, want := options.GetAll(URIPath), tt.parts; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: parts: %v != %v", i, got, want)
		}
		if got, want := options.GetPath(), tt.join; got != want {
			t.Errorf("case%d: path: %q != %q", i, got, want)
		}
	}
}

func TestOptionsQuery(t *testing.T) {
	var options Options
	options.SetQuery("a=1&b=2")
	if got, want := options.GetQuery(), "a=1&b=2"; got != want {
		t.Errorf("query: %q != %q", got, want)
	}
	options.SetQuery("")
	if options.Contain(URIQuery) {
		t.Error("should not contain uri-query")
	}
}

func TestOptionsClone(t *testing.T) {
	src := Options{
		{ID: uint16(URIPath), Value: "a"},
		{ID: uint16(ContentFormat), Value: uint32(0)},
	}
	dst := src.clone()
	if !reflect.DeepEqual(src, dst) {
		t.Errorf("clone:\ngot:\n%s\nwant:\n%s\n", OptionsString(dst), OptionsString(src))
	}
	dst.Set(URIPath, "b")
	if got, want := src.Get(URIPath), "a"; got != want {
		t.Errorf("source mutated: %v != %v", got, want)
	}
}

func TestNoCacheKey(t *testing.T) {
	tests := []struct {
		id  uint16
		yes bool
	}{
		{id: base.URIPath, yes: false},
		{id: base.Size1, yes: true},
		{id: base.Size2, yes: true},
		{id: base.MaxAge, yes: false},
	}
	for i, tt := range tests {
		if got, want := base.NoCacheKey(tt.id), tt.yes; got != want {
			t.Errorf("case%d: no-cache-key(%d): %v != %v", i, tt.id, got, want)
		}
	}
}

package coap

import (
	"reflect"
	"testing"
)

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		hostport string
		host     string
		port     uint32
	}{
		{"localhost", "localhost", 0},
		{"localhost:8000", "localhost", 8000},
	}
	for i, tt := range tests {
		host, port, err := splitHostPort(tt.hostport)
		if err != nil {
			t.Fatalf("case%d: split host port: %v", i, err)
		}
		if host != tt.host {
			t.Errorf("case%d: host: %q != %q", i, host, tt.host)
		}
		if port != tt.port {
			t.Errorf("case%d: port: %d != %d", i, port, tt.port)
		}
	}
}

func TestNewRequest(t *testing.T) {
	tests := []struct {
		method  Code
		urlstr  string
		options Options
	}{
		{
			method: GET,
			urlstr: "coap+tcp://localhost/1/2/3?a=1&b=2&c=3",
			options: Options{
				{ID: uint16(URIHost), Value: "localhost"},
				{ID: uint16(URIPath), Value: "1"},
				{ID: uint16(URIPath), Value: "2"},
				{ID: uint16(URIPath), Value: "3"},
				{ID: uint16(URIQuery), Value: "a=1"},
				{ID: uint16(URIQuery), Value: "b=2"},
				{ID: uint16(URIQuery), Value: "c=3"},
			},
		},
		{
			method: POST,
			urlstr: "coap+tcp://127.0.0.1:8000/a/b",
			options: Options{
				{ID: uint16(URIPort), Value: uint32(8000)},
				{ID: uint16(URIPath), Value: "a"},
				{ID: uint16(URIPath), Value: "b"},
			},
		},
		{
			method:  POST,
			urlstr:  "coaps+tcp://127.0.0.1/",
			options: nil,
		},
	}
	for i, tt := range tests {
		req, err := NewRequest(tt.method, tt.urlstr, nil)
		if err != nil {
			t.Fatalf("case%d: new request: %v", i, err)
		}
		if got, want := req.Method, tt.method; got != want {
			t.Errorf("case%d: Method: %v != %v", i, got, want)
		}
		if got, want := req.Options, tt.options; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: Options:\ngot:\n%s\nwant:\n%s\n", i, OptionsString(got), OptionsString(want))
		}
	}
}

func TestNewRequestInvalid(t *testing.T) {
	urls := []string{
		"coap://localhost/",
		"http://localhost/",
		"coap+tcp://localhost/a#frag",
	}
	for i, urlstr := range urls {
		if _, err := NewRequest(GET, urlstr, nil); err == nil {
			t.Errorf("case%d: new request(%s) should fail", i, urlstr)
		}
	}
}

func TestNewRequestDefaultPort(t *testing.T) {
	tests := []struct {
		urlstr string
		host   string
	}{
		{urlstr: "coap+tcp://localhost/", host: "localhost:5683"},
		{urlstr: "coaps+tcp://localhost/", host: "localhost:5684"},
	}
	for i, tt := range tests {
		req, err := NewRequest(GET, tt.urlstr, nil)
		if err != nil {
			t.Fatalf("case%d: new request: %v", i, err)
		}
		if got, want := req.URL.Host, tt.host; got != want {
			t.Errorf("case%d: host: %q != %q", i, got, want)
		}
	}
}

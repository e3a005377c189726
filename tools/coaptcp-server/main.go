package main

import (
	"flag"
	"fmt"
	"log"
	"sync"

	coap "github.com/ironzhang/coaptcp"
)

// Server 简单的存储服务, PUT/POST写入, GET读出, 大body走块传输.
type Server struct {
	coap.Server

	mu    sync.RWMutex
	store map[string][]byte
}

func (s *Server) ListenAndServe(address string) error {
	s.Server.Handler = s
	s.store = make(map[string][]byte)
	return s.Server.ListenAndServe("tcp", address)
}

func (s *Server) ServeCOAP(w coap.ResponseWriter, r *coap.Request) {
	switch r.Method {
	case coap.GET:
		s.get(w, r)
	case coap.PUT, coap.POST:
		s.put(w, r)
	case coap.DELETE:
		s.del(w, r)
	default:
		w.WriteCode(coap.MethodNotAllowed)
	}
}

func (s *Server) get(w coap.ResponseWriter, r *coap.Request) {
	s.mu.RLock()
	body, ok := s.store[r.URL.Path]
	s.mu.RUnlock()
	if !ok {
		w.WriteCode(coap.NotFound)
		fmt.Fprintf(w, "%q path not found", r.URL.Path)
		return
	}
	w.Write(body)
}

func (s *Server) put(w coap.ResponseWriter, r *coap.Request) {
	s.mu.Lock()
	s.store[r.URL.Path] = r.Payload
	s.mu.Unlock()
	w.WriteCode(coap.Changed)
}

func (s *Server) del(w coap.ResponseWriter, r *coap.Request) {
	s.mu.Lock()
	delete(s.store, r.URL.Path)
	s.mu.Unlock()
	w.WriteCode(coap.Deleted)
}

func main() {
	var addr string
	flag.StringVar(&addr, "addr", ":5683", "listen address")
	flag.IntVar(&coap.Verbose, "verbose", 1, "verbose")
	flag.Parse()

	conf, err := coap.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("listen and serve on %q, bulk blocks %d", addr, conf.BulkBlocks)
	s := Server{Server: coap.Server{Config: &conf}}
	if err := s.ListenAndServe(addr); err != nil {
		log.Fatalf("listen and serve: %v", err)
	}
}

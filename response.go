package coap

import "net"

type Response struct {
	Status     Code
	Options    Options
	Token      string
	Payload    []byte
	RemoteAddr net.Addr
}

package base

import (
	"fmt"
	"io"
)

type Recver interface {
	RecvRequest(x *Exchange, m Message) error
	RecvResponse(x *Exchange, m Message) error
}

type Sender interface {
	SendRequest(x *Exchange, m Message) error
	SendResponse(x *Exchange, m Message) error
}

type Setter interface {
	SetRecver(Recver)
	SetSender(Sender)
}

type Layer interface {
	Update()
	Recver
	Sender
	Setter
}

type BaseLayer struct {
	Name string
	Recver
	Sender
}

func (l *BaseLayer) SetRecver(recver Recver) {
	l.Recver = recver
}

func (l *BaseLayer) SetSender(sender Sender) {
	l.Sender = sender
}

func (l *BaseLayer) NewError(cause error) error {
	return Error{Layer: l.Name, Cause: cause}
}

func (l *BaseLayer) Errorf(cause error, format string, a ...interface{}) error {
	return Error{Layer: l.Name, Cause: cause, Details: fmt.Sprintf(format, a...)}
}

type NopRecver struct {
	Writer io.Writer
}

func (p NopRecver) RecvRequest(x *Exchange, m Message) error {
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "RecvRequest: %v\n", m.String())
	}
	return nil
}

func (p NopRecver) RecvResponse(x *Exchange, m Message) error {
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "RecvResponse: %v\n", m.String())
	}
	return nil
}

type NopSender struct {
	Writer io.Writer
}

func (p NopSender) SendRequest(x *Exchange, m Message) error {
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "SendRequest: %v\n", m.String())
	}
	return nil
}

func (p NopSender) SendResponse(x *Exchange, m Message) error {
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "SendResponse: %v\n", m.String())
	}
	return nil
}

// CountRecver 统计上行消息数, 测试用.
type CountRecver struct {
	Writer    io.Writer
	Requests  int
	Responses int
}

func (p *CountRecver) RecvRequest(x *Exchange, m Message) error {
	p.Requests++
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "RecvRequest: %v\n", m.String())
	}
	return nil
}

func (p *CountRecver) RecvResponse(x *Exchange, m Message) error {
	p.Responses++
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "RecvResponse: %v\n", m.String())
	}
	return nil
}

// CountSender 统计下行消息数, 测试用.
type CountSender struct {
	Writer    io.Writer
	Requests  int
	Responses int
}

func (p *CountSender) SendRequest(x *Exchange, m Message) error {
	p.Requests++
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "SendRequest: %v\n", m.String())
	}
	return nil
}

func (p *CountSender) SendResponse(x *Exchange, m Message) error {
	p.Responses++
	if p.Writer != nil {
		fmt.Fprintf(p.Writer, "SendResponse: %v\n", m.String())
	}
	return nil
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	coap "github.com/ironzhang/coaptcp"
)

type Options struct {
	Data    string
	InFile  string
	OutFile string
	Method  coap.Code
	URL     string
}

func ParseMethod(s string) (coap.Code, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return coap.GET, nil
	case "POST":
		return coap.POST, nil
	case "PUT":
		return coap.PUT, nil
	case "DELETE":
		return coap.DELETE, nil
	default:
		return 0, fmt.Errorf("unknown coap method: %v", s)
	}
}

// usage
// coaptcp-curl -X PUT --data 'hello' coap+tcp://localhost:5683/a
func (a *Options) Parse() error {
	var err error
	var method string

	flag.StringVar(&a.Data, "data", "", "data")
	flag.StringVar(&a.InFile, "in-file", "", "in file")
	flag.StringVar(&a.OutFile, "out-file", "", "out file")
	flag.StringVar(&method, "X", "GET", "method")
	flag.IntVar(&coap.Verbose, "verbose", 0, "verbose")
	flag.Parse()

	a.Method, err = ParseMethod(method)
	if err != nil {
		return err
	}

	args := flag.Args()
	if len(args) < 1 {
		return fmt.Errorf("no url")
	}
	a.URL = args[0]

	return nil
}

func MakePayload(data string, infile string) (payload []byte, err error) {
	if data != "" {
		return []byte(data), nil
	}
	if infile != "" {
		return os.ReadFile(infile)
	}
	return nil, nil
}

func WriteResponse(resp *coap.Response, outfile string) error {
	if outfile != "" {
		return os.WriteFile(outfile, resp.Payload, 0644)
	}
	coap.PrintResponse(os.Stdout, resp, true)
	return nil
}

func main() {
	var opts Options
	if err := opts.Parse(); err != nil {
		log.Fatalf("parse options: %v", err)
	}

	payload, err := MakePayload(opts.Data, opts.InFile)
	if err != nil {
		log.Fatalf("make payload: %v", err)
	}

	conf, err := coap.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	req, err := coap.NewRequest(opts.Method, opts.URL, payload)
	if err != nil {
		log.Fatalf("new request: %v", err)
	}

	client := coap.Client{Config: &conf}
	defer client.Close()
	resp, err := client.SendRequest(req)
	if err != nil {
		log.Fatalf("send request: %v", err)
	}
	if err := WriteResponse(resp, opts.OutFile); err != nil {
		log.Fatalf("write response: %v", err)
	}
}

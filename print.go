package coap

import (
	"fmt"
	"io"
)

func PrintRequest(w io.Writer, r *Request, body bool) {
	fmt.Fprintf(w, "%s %s\n", r.Method, r.URL.String())
	r.Options.Write(w)
	if body {
		fmt.Fprintf(w, "\n%s\n", r.Payload)
	}
}

func PrintResponse(w io.Writer, r *Response, body bool) {
	fmt.Fprintf(w, "%s\n", r.Status)
	r.Options.Write(w)
	if body {
		fmt.Fprintf(w, "\n%s\n", r.Payload)
	}
}

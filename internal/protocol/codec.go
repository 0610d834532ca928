package protocol

import (
	"io"

	"github.com/meilies-io/meilies/internal/resp"
)

// ClientCodec is the client-facing framing: it writes Requests and reads
// Responses, surfacing a server-sent RESP Error frame as a plain error.
type ClientCodec struct {
	r *resp.Reader
	w *resp.Writer
}

// NewClientCodec wraps rw for client-role framing.
func NewClientCodec(rw io.ReadWriter) *ClientCodec {
	return &ClientCodec{r: resp.NewReader(rw), w: resp.NewWriter(rw)}
}

// WriteRequest encodes and sends req.
func (c *ClientCodec) WriteRequest(req Request) error {
	return c.w.WriteValue(req.Encode())
}

// ReadResponse blocks for the next frame and decodes it as a Response, or
// returns the server's Error text as a plain Go error.
func (c *ClientCodec) ReadResponse() (Response, error) {
	v, err := c.r.ReadValue()
	if err != nil {
		return Response{}, err
	}
	if v.Kind == resp.KindError {
		return Response{}, &ServerError{Message: v.Str}
	}
	return DecodeResponse(v)
}

// ServerError wraps a RESP Error frame received from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// ServerCodec is the server-facing framing: it reads Requests and writes
// Responses (or an Error frame for server-side failures).
type ServerCodec struct {
	r *resp.Reader
	w *resp.Writer
}

// NewServerCodec wraps rw for server-role framing.
func NewServerCodec(rw io.ReadWriter) *ServerCodec {
	return &ServerCodec{r: resp.NewReader(rw), w: resp.NewWriter(rw)}
}

// ReadRequest blocks for the next frame and decodes it as a Request.
func (c *ServerCodec) ReadRequest() (Request, error) {
	v, err := c.r.ReadValue()
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(v)
}

// WriteResponse encodes and sends resp, or an Error frame if errMsg != "".
func (c *ServerCodec) WriteResponse(r Response, errMsg string) error {
	if errMsg != "" {
		return c.w.WriteValue(resp.ErrorS(errMsg))
	}
	return c.w.WriteValue(r.Encode())
}

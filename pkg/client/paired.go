package client

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/stream"
)

// ErrConnectionClosed is returned when a paired request is attempted
// after Close, or the connection is severed mid-request.
var ErrConnectionClosed = errors.New("client: connection closed")

// InvalidServerResponseError means the server replied with a
// syntactically valid but semantically unexpected response for the
// request that was sent (e.g. an OK frame answering last-event-number).
type InvalidServerResponseError struct {
	Want string
	Got  protocol.Response
}

func (e *InvalidServerResponseError) Error() string {
	return fmt.Sprintf("client: expected %s response, got response kind %d", e.Want, e.Got.Kind)
}

// PairedClient is a sequential one-shot request/response connection: one
// TCP connection, one request in flight at a time, no reconnect or
// backoff logic. It is the client used for publish, last-event-number,
// and stream-names, none of which need the subscription reactor's
// resilience machinery.
type PairedClient struct {
	conn  net.Conn
	codec *protocol.ClientCodec
}

// Dial opens a paired connection to addr.
func Dial(addr string) (*PairedClient, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &PairedClient{conn: conn, codec: protocol.NewClientCodec(conn)}, nil
}

// Close releases the underlying connection.
func (p *PairedClient) Close() error {
	return p.conn.Close()
}

func (p *PairedClient) roundTrip(req protocol.Request) (protocol.Response, error) {
	if err := p.codec.WriteRequest(req); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return protocol.Response{}, ErrConnectionClosed
		}
		return protocol.Response{}, fmt.Errorf("client: send request: %w", err)
	}
	resp, err := p.codec.ReadResponse()
	if err != nil {
		var serverErr *protocol.ServerError
		if errors.As(err, &serverErr) {
			return protocol.Response{}, serverErr
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return protocol.Response{}, ErrConnectionClosed
		}
		return protocol.Response{}, fmt.Errorf("client: read response: %w", err)
	}
	return resp, nil
}

// Publish appends one event to name and blocks for the server's OK ack.
func (p *PairedClient) Publish(name stream.Name, eventName stream.EventName, data stream.EventData) error {
	resp, err := p.roundTrip(protocol.Request{
		Kind:      protocol.KindPublish,
		Stream:    name,
		EventName: eventName,
		EventData: data,
	})
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindOK {
		return &InvalidServerResponseError{Want: "OK", Got: resp}
	}
	return nil
}

// LastEventNumber returns the highest event number written to name, and
// false if the stream has never been written to.
func (p *PairedClient) LastEventNumber(name stream.Name) (stream.Number, bool, error) {
	resp, err := p.roundTrip(protocol.Request{Kind: protocol.KindLastEventNumber, Stream: name})
	if err != nil {
		return 0, false, err
	}
	if resp.Kind != protocol.KindLastEventNumberResp {
		return 0, false, &InvalidServerResponseError{Want: "last-event-number", Got: resp}
	}
	return resp.Number, resp.HasNumber, nil
}

// StreamNames lists every stream the server currently knows about.
func (p *PairedClient) StreamNames() ([]stream.Name, error) {
	resp, err := p.roundTrip(protocol.Request{Kind: protocol.KindStreamNames})
	if err != nil {
		return nil, err
	}
	if resp.Kind != protocol.KindStreamNamesResp {
		return nil, &InvalidServerResponseError{Want: "stream-names", Got: resp}
	}
	return resp.StreamNames, nil
}

// Package protocol maps RESP values to the typed Request/Response variants
// of the wire protocol and back, and wraps the raw RESP stream with
// role-specific codecs for client and server.
package protocol

import (
	"errors"
	"fmt"

	"github.com/meilies-io/meilies/internal/resp"
	"github.com/meilies-io/meilies/internal/stream"
)

// RequestKind discriminates the Request variants.
type RequestKind int

const (
	KindSubscribeAll RequestKind = iota
	KindSubscribe
	KindPublish
	KindLastEventNumber
	KindStreamNames
)

// Request is the tagged union of client-to-server commands.
type Request struct {
	Kind RequestKind

	// KindSubscribeAll
	AllRange stream.ReadRange

	// KindSubscribe
	Streams []stream.Spec

	// KindPublish / KindLastEventNumber
	Stream    stream.Name
	EventName stream.EventName
	EventData stream.EventData
}

// ResponseKind discriminates the Response variants.
type ResponseKind int

const (
	KindOK ResponseKind = iota
	KindSubscribed
	KindEvent
	KindLastEventNumberResp
	KindStreamNamesResp
)

// Response is the tagged union of server-to-client messages.
type Response struct {
	Kind ResponseKind

	Stream      stream.Name
	Number      stream.Number
	HasNumber   bool // false for an unknown/unpublished stream (Nil on wire)
	EventName   stream.EventName
	EventData   stream.EventData
	StreamNames []stream.Name
}

// ConvertError enumerates why a RespValue failed to convert to a Request or
// Response, mirroring the original RespRequestConvertError/RespResponseConvertError.
type ConvertError struct {
	msg string
}

func (e *ConvertError) Error() string { return e.msg }

func convertErrf(format string, args ...any) error {
	return &ConvertError{fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidCommandType  = convertErrf("invalid command resp type")
	ErrInvalidArgumentType = convertErrf("invalid argument resp type")
	ErrMissingCommandName  = convertErrf("missing command name")
	ErrUnknownCommandName  = convertErrf("unknown command name")
	ErrMissingArgument     = convertErrf("missing argument")
	ErrTooManyArguments    = convertErrf("too many arguments")
)

// --- Request -> RespValue ---

// Encode converts r to its RESP wire representation.
func (r Request) Encode() resp.Value {
	switch r.Kind {
	case KindSubscribeAll:
		allSpec := stream.Spec{Name: stream.All, Range: r.AllRange}
		return resp.ArrayV(resp.BulkStringS("subscribe"), resp.BulkStringS(allSpec.String()))

	case KindSubscribe:
		elems := make([]resp.Value, 0, len(r.Streams)+1)
		elems = append(elems, resp.BulkStringS("subscribe"))
		for _, s := range r.Streams {
			elems = append(elems, resp.BulkStringS(s.String()))
		}
		return resp.ArrayV(elems...)

	case KindPublish:
		return resp.ArrayV(
			resp.BulkStringS("publish"),
			resp.BulkStringS(string(r.Stream)),
			resp.BulkStringS(string(r.EventName)),
			resp.BulkStringB(r.EventData),
		)

	case KindLastEventNumber:
		return resp.ArrayV(
			resp.BulkStringS("last-event-number"),
			resp.BulkStringS(string(r.Stream)),
		)

	case KindStreamNames:
		return resp.ArrayV(resp.BulkStringS("stream-names"))

	default:
		panic("protocol: invalid request kind")
	}
}

func stringFromResp(v resp.Value) (string, error) {
	switch v.Kind {
	case resp.KindSimpleString, resp.KindError:
		return v.Str, nil
	case resp.KindBulkString:
		return string(v.Bulk), nil
	default:
		return "", ErrInvalidArgumentType
	}
}

// DecodeRequest parses v (already RESP-decoded) into a Request. The
// subscribe command is special-cased: if any specifier's name is the $all
// sentinel, the whole request decodes as SubscribeAll using that
// specifier's range, matching the original dispatch rule.
func DecodeRequest(v resp.Value) (Request, error) {
	if v.Kind != resp.KindArray {
		return Request{}, ErrInvalidCommandType
	}
	items := v.Array
	if len(items) == 0 {
		return Request{}, ErrMissingCommandName
	}
	command, err := stringFromResp(items[0])
	if err != nil {
		return Request{}, err
	}
	args := items[1:]

	switch command {
	case "subscribe":
		specs := make([]stream.Spec, 0, len(args))
		for _, a := range args {
			s, err := stringFromResp(a)
			if err != nil {
				return Request{}, ErrInvalidArgumentType
			}
			spec, perr := stream.ParseSpec(s)
			if perr != nil {
				return Request{}, ErrInvalidArgumentType
			}
			specs = append(specs, spec)
		}
		for _, spec := range specs {
			if spec.Name.IsAll() {
				return Request{Kind: KindSubscribeAll, AllRange: spec.Range}, nil
			}
		}
		return Request{Kind: KindSubscribe, Streams: specs}, nil

	case "publish":
		if len(args) < 3 {
			return Request{}, ErrMissingArgument
		}
		if len(args) > 3 {
			return Request{}, ErrTooManyArguments
		}
		name, err := stringFromResp(args[0])
		if err != nil {
			return Request{}, err
		}
		streamName, serr := stream.NewName(name)
		if serr != nil {
			return Request{}, ErrInvalidArgumentType
		}
		evName, err := stringFromResp(args[1])
		if err != nil {
			return Request{}, err
		}
		eventName, everr := stream.NewEventName(evName)
		if everr != nil {
			return Request{}, ErrInvalidArgumentType
		}
		data, err := bytesFromResp(args[2])
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: KindPublish, Stream: streamName, EventName: eventName, EventData: data}, nil

	case "last-event-number":
		if len(args) < 1 {
			return Request{}, ErrMissingArgument
		}
		if len(args) > 1 {
			return Request{}, ErrTooManyArguments
		}
		name, err := stringFromResp(args[0])
		if err != nil {
			return Request{}, err
		}
		streamName, serr := stream.NewName(name)
		if serr != nil {
			return Request{}, ErrInvalidArgumentType
		}
		return Request{Kind: KindLastEventNumber, Stream: streamName}, nil

	case "stream-names":
		return Request{Kind: KindStreamNames}, nil

	default:
		return Request{}, ErrUnknownCommandName
	}
}

func bytesFromResp(v resp.Value) (stream.EventData, error) {
	switch v.Kind {
	case resp.KindSimpleString, resp.KindError:
		return stream.EventData(v.Str), nil
	case resp.KindBulkString:
		return stream.EventData(v.Bulk), nil
	default:
		return nil, ErrInvalidArgumentType
	}
}

// --- Response -> RespValue ---

// Encode converts r to its RESP wire representation.
func (r Response) Encode() resp.Value {
	switch r.Kind {
	case KindOK:
		return resp.SimpleStringS("OK")

	case KindSubscribed:
		return resp.ArrayV(resp.SimpleStringS("subscribed"), resp.SimpleStringS(string(r.Stream)))

	case KindEvent:
		return resp.ArrayV(
			resp.SimpleStringS("event"),
			resp.SimpleStringS(string(r.Stream)),
			resp.IntegerV(int64(r.Number)),
			resp.SimpleStringS(string(r.EventName)),
			resp.BulkStringB(r.EventData),
		)

	case KindLastEventNumberResp:
		elems := []resp.Value{resp.SimpleStringS("last-event-number"), resp.SimpleStringS(string(r.Stream))}
		if r.HasNumber {
			elems = append(elems, resp.IntegerV(int64(r.Number)))
		} else {
			elems = append(elems, resp.Nil)
		}
		return resp.ArrayV(elems...)

	case KindStreamNamesResp:
		elems := make([]resp.Value, 0, len(r.StreamNames)+1)
		elems = append(elems, resp.SimpleStringS("stream-names"))
		for _, n := range r.StreamNames {
			elems = append(elems, resp.SimpleStringS(string(n)))
		}
		return resp.ArrayV(elems...)

	default:
		panic("protocol: invalid response kind")
	}
}

// DecodeResponse parses v into a Response. A plain SimpleString "OK" is
// KindOK; anything else must be an Array tagged by its first element.
func DecodeResponse(v resp.Value) (Response, error) {
	if v.Kind == resp.KindSimpleString && v.Str == "OK" {
		return Response{Kind: KindOK}, nil
	}
	if v.Kind != resp.KindArray {
		return Response{}, errors.New("protocol: invalid response resp type")
	}
	items := v.Array
	if len(items) == 0 {
		return Response{}, errors.New("protocol: missing type name")
	}
	tag, err := stringFromResp(items[0])
	if err != nil {
		return Response{}, ErrInvalidArgumentType
	}
	args := items[1:]

	switch tag {
	case "subscribed":
		if len(args) < 1 {
			return Response{}, ErrMissingArgument
		}
		if len(args) > 1 {
			return Response{}, ErrTooManyArguments
		}
		name, err := stringFromResp(args[0])
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: KindSubscribed, Stream: stream.Name(name)}, nil

	case "event":
		if len(args) < 4 {
			return Response{}, ErrMissingArgument
		}
		if len(args) > 4 {
			return Response{}, ErrTooManyArguments
		}
		name, err := stringFromResp(args[0])
		if err != nil {
			return Response{}, err
		}
		if args[1].Kind != resp.KindInteger {
			return Response{}, ErrInvalidArgumentType
		}
		evName, err := stringFromResp(args[2])
		if err != nil {
			return Response{}, err
		}
		data, err := bytesFromResp(args[3])
		if err != nil {
			return Response{}, err
		}
		return Response{
			Kind:      KindEvent,
			Stream:    stream.Name(name),
			Number:    stream.Number(args[1].Int),
			HasNumber: true,
			EventName: stream.EventName(evName),
			EventData: data,
		}, nil

	case "last-event-number":
		if len(args) < 2 {
			return Response{}, ErrMissingArgument
		}
		if len(args) > 2 {
			return Response{}, ErrTooManyArguments
		}
		name, err := stringFromResp(args[0])
		if err != nil {
			return Response{}, err
		}
		if args[1].Kind == resp.KindNil {
			return Response{Kind: KindLastEventNumberResp, Stream: stream.Name(name), HasNumber: false}, nil
		}
		if args[1].Kind != resp.KindInteger {
			return Response{}, ErrInvalidArgumentType
		}
		return Response{Kind: KindLastEventNumberResp, Stream: stream.Name(name), Number: stream.Number(args[1].Int), HasNumber: true}, nil

	case "stream-names":
		names := make([]stream.Name, 0, len(args))
		for _, a := range args {
			n, err := stringFromResp(a)
			if err != nil {
				return Response{}, err
			}
			names = append(names, stream.Name(n))
		}
		return Response{Kind: KindStreamNamesResp, StreamNames: names}, nil

	default:
		return Response{}, errors.New("protocol: unknown type name")
	}
}

package domain

import "strings"

// Shape is the streaming shape of a gRPC method
type Shape int

const (
	ShapeUnary Shape = iota
	ShapeServerStream
	ShapeClientStream
	ShapeBidi
)

// String returns the wire name of the shape
func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeServerStream:
		return "server-stream"
	case ShapeClientStream:
		return "client-stream"
	case ShapeBidi:
		return "bidi"
	default:
		return "unknown"
	}
}

// ShapeOf derives the shape from a method's streaming flags.
func ShapeOf(clientStreams, serverStreams bool) Shape {
	switch {
	case clientStreams && serverStreams:
		return ShapeBidi
	case serverStreams:
		return ShapeServerStream
	case clientStreams:
		return ShapeClientStream
	default:
		return ShapeUnary
	}
}

// ParseShape parses a caller-supplied mode hint. Clients send
// "unary", "server", "client" and "bidi"; the long forms are accepted too.
func ParseShape(mode string) (Shape, bool) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "unary":
		return ShapeUnary, true
	case "server", "server-stream", "server_stream", "serverstream":
		return ShapeServerStream, true
	case "client", "client-stream", "client_stream", "clientstream":
		return ShapeClientStream, true
	case "bidi", "bidirectional", "bidi-stream", "bidistream":
		return ShapeBidi, true
	default:
		return ShapeUnary, false
	}
}

// Service represents a gRPC service known to the registry
type Service struct {
	Name     string   `json:"name"`
	FullName string   `json:"fullName"` // Fully qualified name
	Methods  []Method `json:"methods"`
}

// Method represents a gRPC method
type Method struct {
	Name           string `json:"name"`
	FullName       string `json:"fullName"`
	InputType      string `json:"inputType"` // Message type name
	OutputType     string `json:"outputType"`
	IsClientStream bool   `json:"clientStreaming"`
	IsServerStream bool   `json:"serverStreaming"`
}

// Shape returns the streaming shape of the method
func (m Method) Shape() Shape {
	return ShapeOf(m.IsClientStream, m.IsServerStream)
}

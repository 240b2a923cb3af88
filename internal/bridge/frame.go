package bridge

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// EndSentinel closes the send direction of a client or bidi stream.
const EndSentinel = "__END__"

// Notices carried by system frames.
const (
	noticeStreamCompleted   = "stream completed"
	noticeUpstreamCompleted = "upstream completed"
	noticeClosed            = "closed"
)

type frameKind int

const (
	frameData frameKind = iota
	frameEnd
	frameInit
)

func (k frameKind) String() string {
	switch k {
	case frameEnd:
		return "end"
	case frameInit:
		return "init"
	default:
		return "data"
	}
}

// classifyFrame decides how an inbound frame on a resolved session is
// treated. input is the request type of the call; a payload that could be
// a valid request for it is always data.
//
// End markers are the literal text __END__, the JSON string "__END__", and
// {"end": true} when the request type has no end field. A second init is an
// object carrying target, service and method, unless the request type has
// a field named target.
func classifyFrame(raw []byte, input protoreflect.MessageDescriptor) frameKind {
	trimmed := bytes.TrimSpace(raw)
	if string(trimmed) == EndSentinel {
		return frameEnd
	}
	if !gjson.ValidBytes(trimmed) {
		return frameData
	}

	parsed := gjson.ParseBytes(trimmed)
	switch {
	case parsed.Type == gjson.String:
		if parsed.Str == EndSentinel {
			return frameEnd
		}
	case parsed.IsObject():
		keys := 0
		parsed.ForEach(func(_, _ gjson.Result) bool {
			keys++
			return true
		})
		end := parsed.Get("end")
		if keys == 1 && end.Type == gjson.True && !hasField(input, "end") {
			return frameEnd
		}
		if parsed.Get("target").Exists() && parsed.Get("service").Exists() &&
			parsed.Get("method").Exists() && !hasField(input, "target") {
			return frameInit
		}
	}
	return frameData
}

// hasField reports whether md has a top-level field matching name by
// proto or JSON name.
func hasField(md protoreflect.MessageDescriptor, name string) bool {
	if md == nil {
		return false
	}
	fields := md.Fields()
	return fields.ByName(protoreflect.Name(name)) != nil || fields.ByJSONName(name) != nil
}

type typedFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func errorFrame(content string) []byte {
	b, _ := json.Marshal(typedFrame{Type: "error", Content: content})
	return b
}

func systemFrame(content string) []byte {
	b, _ := json.Marshal(typedFrame{Type: "system", Content: content})
	return b
}

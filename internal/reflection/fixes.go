package reflection

import (
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// ProcessDescriptors applies fixes for common server quirks before the
// files are linked:
//   - reserved ranges with start > end are swapped
//   - server copies of google/protobuf files that exist locally are dropped,
//     so dependents link against the local well-known types
//
// The input slice is not modified; fixed files are cloned.
func ProcessDescriptors(files []*descriptorpb.FileDescriptorProto) []*descriptorpb.FileDescriptorProto {
	out := make([]*descriptorpb.FileDescriptorProto, 0, len(files))
	for _, fd := range files {
		if isLocalWellKnown(fd.GetName()) {
			continue
		}
		out = append(out, fixReservedRanges(fd))
	}
	return out
}

func isLocalWellKnown(name string) bool {
	if !strings.HasPrefix(name, "google/protobuf/") {
		return false
	}
	_, err := protoregistry.GlobalFiles.FindFileByPath(name)
	return err == nil
}

// fixReservedRanges returns fd, or a clone of it with reversed reserved
// ranges swapped.
func fixReservedRanges(fd *descriptorpb.FileDescriptorProto) *descriptorpb.FileDescriptorProto {
	if !hasReversedRanges(fd) {
		return fd
	}
	fixed := cloneFile(fd)
	for _, msg := range fixed.GetMessageType() {
		fixMessageRanges(msg)
	}
	for _, enum := range fixed.GetEnumType() {
		fixEnumRanges(enum)
	}
	return fixed
}

func fixMessageRanges(msg *descriptorpb.DescriptorProto) {
	for _, r := range msg.GetReservedRange() {
		if r.GetStart() > r.GetEnd() {
			start, end := r.GetStart(), r.GetEnd()
			r.Start, r.End = &end, &start
		}
	}
	for _, nested := range msg.GetNestedType() {
		fixMessageRanges(nested)
	}
	for _, enum := range msg.GetEnumType() {
		fixEnumRanges(enum)
	}
}

func fixEnumRanges(enum *descriptorpb.EnumDescriptorProto) {
	for _, r := range enum.GetReservedRange() {
		if r.GetStart() > r.GetEnd() {
			start, end := r.GetStart(), r.GetEnd()
			r.Start, r.End = &end, &start
		}
	}
}

func hasReversedRanges(fd *descriptorpb.FileDescriptorProto) bool {
	for _, msg := range fd.GetMessageType() {
		if messageHasReversed(msg) {
			return true
		}
	}
	for _, enum := range fd.GetEnumType() {
		if enumHasReversed(enum) {
			return true
		}
	}
	return false
}

func messageHasReversed(msg *descriptorpb.DescriptorProto) bool {
	for _, r := range msg.GetReservedRange() {
		if r.GetStart() > r.GetEnd() {
			return true
		}
	}
	for _, nested := range msg.GetNestedType() {
		if messageHasReversed(nested) {
			return true
		}
	}
	for _, enum := range msg.GetEnumType() {
		if enumHasReversed(enum) {
			return true
		}
	}
	return false
}

func enumHasReversed(enum *descriptorpb.EnumDescriptorProto) bool {
	for _, r := range enum.GetReservedRange() {
		if r.GetStart() > r.GetEnd() {
			return true
		}
	}
	return false
}

func cloneFile(fd *descriptorpb.FileDescriptorProto) *descriptorpb.FileDescriptorProto {
	return proto.Clone(fd).(*descriptorpb.FileDescriptorProto)
}

package errors

import (
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClassifyGRPCError converts a gRPC error into a Classified carrying the
// status code, the upstream message and any rich error details.
func ClassifyGRPCError(err error) *Classified {
	if err == nil {
		return nil
	}

	// Try to extract gRPC status
	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC error, fall back to standard classification
		return Classify(err)
	}

	// Build details string with gRPC code and message
	details := fmt.Sprintf("gRPC: %s - %s", st.Code(), st.Message())

	// Extract rich error details if present
	if extra := formatStatusDetails(st); extra != "" {
		details += "\n\n" + extra
	}

	c := &Classified{
		Err:     err,
		Kind:    KindUpstream,
		Code:    st.Code(),
		Message: fmt.Sprintf("%s: %s", st.Code(), st.Message()),
		Details: details,
	}

	switch st.Code() {
	case codes.Unavailable:
		c.Kind = KindConnect
		c.Title = "Cannot Connect to Target"
	case codes.Unauthenticated:
		c.Kind = KindAuth
		c.Title = "Authentication Required"
	case codes.PermissionDenied:
		c.Kind = KindAuth
		c.Title = "Access Denied"
	case codes.DeadlineExceeded:
		c.Title = "Request Timeout"
	case codes.InvalidArgument:
		c.Title = "Invalid Request"
	case codes.Internal:
		c.Title = "Server Error"
	case codes.Unimplemented:
		c.Title = "Method Not Available"
	case codes.NotFound:
		c.Title = "Not Found"
	case codes.AlreadyExists:
		c.Title = "Already Exists"
	case codes.ResourceExhausted:
		c.Title = "Resource Exhausted"
	case codes.FailedPrecondition:
		c.Title = "Failed Precondition"
	case codes.Aborted:
		c.Title = "Operation Aborted"
	case codes.OutOfRange:
		c.Title = "Out of Range"
	case codes.DataLoss:
		c.Title = "Data Loss"
	case codes.Canceled:
		c.Kind = KindInternal
		c.Title = "Request Cancelled"
	default:
		// Fallback for Unknown and any other gRPC codes
		c.Title = "Upstream Error"
	}

	return c
}

// formatStatusDetails extracts and formats rich error details from a gRPC status.
func formatStatusDetails(st *status.Status) string {
	details := st.Details()
	if len(details) == 0 {
		return ""
	}

	var sections []string

	for _, detail := range details {
		switch d := detail.(type) {
		case *errdetails.BadRequest:
			if fvs := d.GetFieldViolations(); len(fvs) > 0 {
				lines := []string{"Field Violations:"}
				for _, fv := range fvs {
					line := fmt.Sprintf("  %s: %s", fv.GetField(), fv.GetDescription())
					if r := fv.GetReason(); r != "" {
						line += fmt.Sprintf(" (reason: %s)", r)
					}
					lines = append(lines, line)
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.DebugInfo:
			lines := []string{"Debug Info:"}
			if d.GetDetail() != "" {
				lines = append(lines, "  "+d.GetDetail())
			}
			for _, entry := range d.GetStackEntries() {
				lines = append(lines, "  "+entry)
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.ErrorInfo:
			lines := []string{fmt.Sprintf("Error Info: %s", d.GetReason())}
			if d.GetDomain() != "" {
				lines = append(lines, fmt.Sprintf("  Domain: %s", d.GetDomain()))
			}
			for k, v := range d.GetMetadata() {
				lines = append(lines, fmt.Sprintf("  %s: %s", k, v))
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.RetryInfo:
			if delay := d.GetRetryDelay(); delay != nil {
				sections = append(sections, fmt.Sprintf("Retry after: %v", delay.AsDuration()))
			}

		case *errdetails.PreconditionFailure:
			if vs := d.GetViolations(); len(vs) > 0 {
				lines := []string{"Precondition Failures:"}
				for _, v := range vs {
					lines = append(lines, fmt.Sprintf("  [%s] %s: %s", v.GetType(), v.GetSubject(), v.GetDescription()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.QuotaFailure:
			if vs := d.GetViolations(); len(vs) > 0 {
				lines := []string{"Quota Failures:"}
				for _, v := range vs {
					lines = append(lines, fmt.Sprintf("  %s: %s", v.GetSubject(), v.GetDescription()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.RequestInfo:
			sections = append(sections, fmt.Sprintf("Request ID: %s", d.GetRequestId()))

		case *errdetails.ResourceInfo:
			sections = append(sections, fmt.Sprintf("Resource: %s/%s (%s)", d.GetResourceType(), d.GetResourceName(), d.GetDescription()))

		case *errdetails.Help:
			if links := d.GetLinks(); len(links) > 0 {
				lines := []string{"Help:"}
				for _, link := range links {
					lines = append(lines, fmt.Sprintf("  %s: %s", link.GetDescription(), link.GetUrl()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		default:
			sections = append(sections, fmt.Sprintf("Detail: %v", detail))
		}
	}

	return strings.Join(sections, "\n\n")
}

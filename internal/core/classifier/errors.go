package classifier

import (
	"context"
	"errors"
	"net"
	"syscall"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/retryq/internal/core/domain"
)

// ClassifyError maps an executor error to a failure category.
// The second result is false when err carries no recognizable signal.
func ClassifyError(err error) (domain.FailureCategory, bool) {
	if err == nil {
		return "", false
	}

	var f *domain.Failure
	if errors.As(err, &f) && f.Category.Valid() {
		return f.Category, true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout, true
	}

	if c, ok := classifyGRPC(err); ok {
		return c, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.FailureTimeout, true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return domain.FailureNetwork, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.FailureNetwork, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.FailureNetwork, true
	}

	return "", false
}

func classifyGRPC(err error) (domain.FailureCategory, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK || st.Code() == codes.Unknown {
		return "", false
	}

	// Details are more specific than the code.
	for _, d := range st.Details() {
		switch d.(type) {
		case *errdetails.QuotaFailure:
			return domain.FailureResource, true
		case *errdetails.BadRequest:
			return domain.FailureValidation, true
		case *errdetails.PreconditionFailure:
			return domain.FailureBusiness, true
		}
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return domain.FailureTimeout, true
	case codes.Unavailable:
		return domain.FailureNetwork, true
	case codes.ResourceExhausted:
		return domain.FailureResource, true
	case codes.InvalidArgument, codes.OutOfRange:
		return domain.FailureValidation, true
	case codes.FailedPrecondition:
		return domain.FailureBusiness, true
	case codes.Aborted, codes.DataLoss:
		return domain.FailureDatabase, true
	}
	return "", false
}

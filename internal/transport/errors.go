package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fsy-go/internal/fsy"
)

var sentinelCodes = []struct {
	err  error
	code codes.Code
}{
	{fsy.ErrUnauthorized, codes.PermissionDenied},
	{fsy.ErrUnknownTrustee, codes.Unauthenticated},
	{fsy.ErrNotFound, codes.NotFound},
	{fsy.ErrTransferInProgress, codes.Aborted},
	{fsy.ErrIntegrityMismatch, codes.DataLoss},
	{fsy.ErrApplyFailed, codes.Internal},
	{fsy.ErrUnreachable, codes.Unavailable},
}

// toStatus converts a handler error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return status.Error(sc.code, err.Error())
		}
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// fromStatus converts an error returned by a stream into one wrapping the
// matching fsy sentinel. Transport failures wrap fsy.ErrUnreachable.
func fromStatus(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", fsy.ErrUnreachable, err)
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("peer: %s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("peer: %s: %w", st.Message(), fsy.ErrUnreachable)
	}
	for _, sc := range sentinelCodes {
		if st.Code() == sc.code {
			return fmt.Errorf("peer: %s: %w", st.Message(), sc.err)
		}
	}
	return fmt.Errorf("peer: %s (%s)", st.Message(), st.Code())
}

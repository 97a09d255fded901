// Package base carries the plumbing shared by live venue adapters:
// default call deadlines, transport error classification, and tolerant
// payload parsing. Venue packages embed Adapter and keep only their
// wire formats and signing.
package base

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	nethttp "funding_keeper/pkg/http"
)

// DefaultCallTimeout bounds every adapter call that reaches the wire.
const DefaultCallTimeout = 30 * time.Second

// maxErrorBody caps how much of a venue error response is carried into
// the error message.
const maxErrorBody = 256

// Adapter is the embedded core of a live venue adapter.
type Adapter struct {
	venue   core.Venue
	logger  core.ILogger
	timeout time.Duration
}

// NewAdapter builds the shared adapter core for one venue.
func NewAdapter(venue core.Venue, logger core.ILogger) *Adapter {
	return &Adapter{
		venue:   venue,
		logger:  logger.WithField("venue", string(venue)),
		timeout: DefaultCallTimeout,
	}
}

// Name returns the venue this adapter serves.
func (a *Adapter) Name() core.Venue { return a.venue }

// Logger returns the venue-tagged logger.
func (a *Adapter) Logger() core.ILogger { return a.logger }

// CallCtx applies the default call deadline unless the caller already
// set a tighter one.
func (a *Adapter) CallCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= a.timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// WrapErr classifies a transport failure into the venue error taxonomy.
// HTTP 429 becomes RATE_LIMITED, auth statuses SIGNATURE_FAILURE, 404
// NOT_FOUND, other 4xx VALIDATION, and 5xx or dial failures NETWORK.
// Errors that already carry a venue classification pass through.
func (a *Adapter) WrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *apperrors.VenueError
	if errors.As(err, &ve) {
		return err
	}
	return apperrors.NewVenueError(string(a.venue), classify(err), op, errorBody(err), err)
}

func classify(err error) apperrors.Kind {
	var apiErr *nethttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return apperrors.KindRateLimited
		case apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden:
			return apperrors.KindSignatureFailure
		case apiErr.StatusCode == http.StatusNotFound:
			return apperrors.KindNotFound
		case apiErr.StatusCode >= 500:
			return apperrors.KindNetwork
		default:
			return apperrors.KindValidation
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.KindNetwork
	}
	return apperrors.KindInternal
}

func errorBody(err error) string {
	var apiErr *nethttp.APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	body := string(apiErr.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return body
}

// ParseDecimal parses a venue-reported decimal string. Malformed or
// empty input is logged and treated as zero rather than failing the
// whole payload; venues occasionally send "" for optional fields.
func (a *Adapter) ParseDecimal(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		a.logger.Warn("unparseable decimal from venue", "value", value, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp converts a millisecond epoch into a time. Zero input
// yields the zero time.
func (a *Adapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	nethttp "funding_keeper/pkg/http"
)

type nopLogger struct{}

func (l *nopLogger) Debug(msg string, fields ...interface{})               {}
func (l *nopLogger) Info(msg string, fields ...interface{})                {}
func (l *nopLogger) Warn(msg string, fields ...interface{})                {}
func (l *nopLogger) Error(msg string, fields ...interface{})               {}
func (l *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *nopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func newAdapter() *Adapter {
	return NewAdapter(core.VenueHyperliquid, &nopLogger{})
}

func TestWrapErr_ClassifiesStatusCodes(t *testing.T) {
	a := newAdapter()
	cases := []struct {
		status int
		want   apperrors.Kind
	}{
		{429, apperrors.KindRateLimited},
		{401, apperrors.KindSignatureFailure},
		{403, apperrors.KindSignatureFailure},
		{404, apperrors.KindNotFound},
		{400, apperrors.KindValidation},
		{422, apperrors.KindValidation},
		{500, apperrors.KindNetwork},
		{503, apperrors.KindNetwork},
	}
	for _, tc := range cases {
		err := a.WrapErr("op", &nethttp.APIError{StatusCode: tc.status, Body: []byte("nope")})
		assert.Equal(t, tc.want, apperrors.KindOf(err), "status %d", tc.status)
	}
}

func TestWrapErr_ServerErrorsAreTransient(t *testing.T) {
	a := newAdapter()
	err := a.WrapErr("op", &nethttp.APIError{StatusCode: 502})
	assert.True(t, apperrors.IsTransient(err))
}

func TestWrapErr_KeepsExistingClassification(t *testing.T) {
	a := newAdapter()
	classified := apperrors.NewVenueError("HYPERLIQUID", apperrors.KindNonceFailure, "op", "stale nonce", nil)
	assert.Same(t, error(classified), a.WrapErr("other_op", classified))
}

func TestWrapErr_TransportFailuresAreNetwork(t *testing.T) {
	a := newAdapter()

	wrapped := fmt.Errorf("request failed: %w", &net.DNSError{Err: "no such host", IsTimeout: true})
	assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(a.WrapErr("op", wrapped)))

	assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(a.WrapErr("op", context.DeadlineExceeded)))
}

func TestWrapErr_UnknownErrorsAreInternal(t *testing.T) {
	a := newAdapter()
	err := a.WrapErr("op", errors.New("decode payload: unexpected end of JSON input"))
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}

func TestWrapErr_NilStaysNil(t *testing.T) {
	a := newAdapter()
	assert.NoError(t, a.WrapErr("op", nil))
}

func TestWrapErr_CarriesResponseBodyCapped(t *testing.T) {
	a := newAdapter()
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	err := a.WrapErr("op", &nethttp.APIError{StatusCode: 400, Body: long})
	var ve *apperrors.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Message, maxErrorBody)
}

func TestParseDecimal_ToleratesVenueGarbage(t *testing.T) {
	a := newAdapter()
	assert.True(t, a.ParseDecimal("1.5").Equal(decimal.RequireFromString("1.5")))
	assert.True(t, a.ParseDecimal("").IsZero(), "venues send empty strings for optional fields")
	assert.True(t, a.ParseDecimal("not-a-number").IsZero())
}

func TestParseTimestamp(t *testing.T) {
	a := newAdapter()
	assert.True(t, a.ParseTimestamp(0).IsZero())
	assert.Equal(t, time.UnixMilli(1724572800000), a.ParseTimestamp(1724572800000))
}

func TestCallCtx_AppliesDefaultDeadline(t *testing.T) {
	a := newAdapter()

	ctx, cancel := a.CallCtx(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.InDelta(t, DefaultCallTimeout.Seconds(), time.Until(deadline).Seconds(), 1)

	tight, tightCancel := context.WithTimeout(context.Background(), time.Second)
	defer tightCancel()
	kept, keptCancel := a.CallCtx(tight)
	defer keptCancel()
	keptDeadline, ok := kept.Deadline()
	require.True(t, ok)
	wantDeadline, _ := tight.Deadline()
	assert.Equal(t, wantDeadline, keptDeadline, "a tighter caller deadline wins")
}

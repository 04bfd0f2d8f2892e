package webhook

import (
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/agentpay/types"
)

var (
	testSecret = []byte("whsec_test_0123456789abcdef")
	testTime   = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
)

func newTestVerifier(opts ...Option) *Verifier {
	opts = append([]Option{WithClock(func() time.Time { return testTime })}, opts...)
	return NewVerifier(testSecret, opts...)
}

func TestVerifyValidSignature(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"paymentId":"pay_1"}`)
	ts := testTime.Unix()

	require.NoError(t, v.Verify(payload, ts, v.Sign(payload, ts)))
}

func TestVerifyAcceptsUppercaseHex(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"paymentId":"pay_1"}`)
	ts := testTime.Unix()

	require.NoError(t, v.Verify(payload, ts, strings.ToUpper(v.Sign(payload, ts))))
}

func TestVerifyRejectsNonHexSignature(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"paymentId":"pay_1"}`)
	ts := testTime.Unix()

	err := v.Verify(payload, ts, "zz-not-hex")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.CodeOf(err))
}

func TestVerifySingleBitFlipFails(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"paymentId":"pay_1"}`)
	ts := testTime.Unix()

	sig, err := hex.DecodeString(v.Sign(payload, ts))
	require.NoError(t, err)
	sig[0] ^= 0x01

	err = v.Verify(payload, ts, hex.EncodeToString(sig))
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.CodeOf(err))
}

func TestVerifyWrongSecretFails(t *testing.T) {
	signer := NewVerifier([]byte("other-secret"))
	v := newTestVerifier()
	payload := []byte(`{"paymentId":"pay_1"}`)
	ts := testTime.Unix()

	err := v.Verify(payload, ts, signer.Sign(payload, ts))
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.CodeOf(err))
}

func TestVerifyExpiredTimestampFailsEvenWithValidSignature(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"paymentId":"pay_1"}`)
	ts := testTime.Add(-DefaultMaxAge - time.Second).Unix()

	err := v.Verify(payload, ts, v.Sign(payload, ts))
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.CodeOf(err))
}

func TestVerifyFutureTimestampFails(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"paymentId":"pay_1"}`)
	ts := testTime.Add(DefaultMaxAge + time.Second).Unix()

	err := v.Verify(payload, ts, v.Sign(payload, ts))
	require.Error(t, err)
}

func TestVerifyBoundaryOfReplayWindow(t *testing.T) {
	v := newTestVerifier()
	payload := []byte("x")

	// exactly max_age old is still accepted
	ts := testTime.Add(-DefaultMaxAge).Unix()
	require.NoError(t, v.Verify(payload, ts, v.Sign(payload, ts)))
}

func TestVerifyCustomMaxAge(t *testing.T) {
	v := newTestVerifier(WithMaxAge(10 * time.Second))
	payload := []byte("x")
	ts := testTime.Add(-11 * time.Second).Unix()

	require.Error(t, v.Verify(payload, ts, v.Sign(payload, ts)))
}

func TestParseEvent(t *testing.T) {
	v := newTestVerifier()
	body := []byte(`{"eventId":"evt_42","paymentId":"pay_1","outcome":"settled","txHash":"0xabc"}`)
	ts := testTime.Unix()

	event, err := v.ParseEvent(body, strconv.FormatInt(ts, 10), v.Sign(body, ts))
	require.NoError(t, err)
	assert.Equal(t, "evt_42", event.ExternalEventID)
	assert.Equal(t, "pay_1", event.PaymentID)
	assert.Equal(t, types.EventSettled, event.Outcome)
	assert.Equal(t, "0xabc", event.TxHash)
}

func TestParseEventRejectsBadHeaders(t *testing.T) {
	v := newTestVerifier()
	body := []byte(`{"eventId":"evt_42","paymentId":"pay_1","outcome":"settled"}`)
	ts := testTime.Unix()

	_, err := v.ParseEvent(body, "not-a-number", v.Sign(body, ts))
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.CodeOf(err))

	_, err = v.ParseEvent(body, strconv.FormatInt(ts, 10), "deadbeef")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.CodeOf(err))
}

func TestParseEventRejectsMalformedBody(t *testing.T) {
	v := newTestVerifier()
	ts := testTime.Unix()

	body := []byte(`{not json`)
	_, err := v.ParseEvent(body, strconv.FormatInt(ts, 10), v.Sign(body, ts))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidInput, types.CodeOf(err))

	// authenticated but semantically incomplete
	body = []byte(`{"eventId":"evt_42"}`)
	_, err = v.ParseEvent(body, strconv.FormatInt(ts, 10), v.Sign(body, ts))
	require.Error(t, err)
}

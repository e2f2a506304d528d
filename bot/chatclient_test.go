package bot

import (
	"errors"
	"net"
	"testing"
	"time"

	"maunium.net/go/mautrix"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestClassifyError_ForbiddenByErrCode(t *testing.T) {
	err := mautrix.HTTPError{
		RespError: &mautrix.RespError{ErrCode: "M_FORBIDDEN"},
	}
	ce := classifyError(err)
	if ce.Kind != FailureForbidden {
		t.Fatalf("expected forbidden, got %v", ce.Kind)
	}
	if !ce.Permanent() {
		t.Fatal("expected forbidden to be classified as permanent")
	}
}

func TestClassifyError_RateLimitedCarriesRetryAfter(t *testing.T) {
	err := mautrix.HTTPError{
		RespError: &mautrix.RespError{
			ErrCode:   "M_LIMIT_EXCEEDED",
			ExtraData: map[string]interface{}{"retry_after_ms": float64(2500)},
		},
	}
	ce := classifyError(err)
	if ce.Kind != FailureRateLimited {
		t.Fatalf("expected rate_limited, got %v", ce.Kind)
	}
	if ce.RetryAfter != 2500*time.Millisecond {
		t.Fatalf("expected retry-after of 2.5s, got %v", ce.RetryAfter)
	}
	if ce.Permanent() {
		t.Fatal("rate limiting should not be permanent")
	}
}

func TestClassifyError_RateLimitedDefaultsRetryAfterWhenAbsent(t *testing.T) {
	err := mautrix.HTTPError{
		RespError: &mautrix.RespError{ErrCode: "M_LIMIT_EXCEEDED"},
	}
	ce := classifyError(err)
	if ce.RetryAfter != time.Second {
		t.Fatalf("expected default retry-after of 1s, got %v", ce.RetryAfter)
	}
}

func TestClassifyError_NotFound(t *testing.T) {
	err := mautrix.HTTPError{
		RespError: &mautrix.RespError{ErrCode: "M_NOT_FOUND"},
	}
	ce := classifyError(err)
	if ce.Kind != FailureNotFound {
		t.Fatalf("expected not_found, got %v", ce.Kind)
	}
	if !ce.Permanent() {
		t.Fatal("expected not_found to be permanent")
	}
}

func TestClassifyError_TransportFailure(t *testing.T) {
	ce := classifyError(fakeNetError{})
	if ce.Kind != FailureTransport {
		t.Fatalf("expected transport_error, got %v", ce.Kind)
	}
	if ce.Permanent() {
		t.Fatal("transport errors should be retried, not permanent")
	}
}

func TestClassifyError_UnrecognizedFallsBackToOther(t *testing.T) {
	ce := classifyError(errors.New("mystery failure"))
	if ce.Kind != FailureOther {
		t.Fatalf("expected other, got %v", ce.Kind)
	}
}

func TestClassifyError_NilIsNil(t *testing.T) {
	if classifyError(nil) != nil {
		t.Fatal("expected nil error to classify as nil")
	}
}

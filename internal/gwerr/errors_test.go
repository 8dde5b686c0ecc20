package gwerr

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindUpstream, http.StatusBadGateway},
		{KindConflict, http.StatusConflict},
		{KindPayloadTooLarge, http.StatusBadRequest},
		{KindRateLimited, http.StatusServiceUnavailable},
		{KindCache, http.StatusInternalServerError},
		{KindAuthFailure, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.kind.StatusCode(); got != c.want {
			t.Errorf("%s.StatusCode() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindUpstream, "listing failed", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
	if KindOf(err) != KindUpstream {
		t.Fatalf("KindOf = %v, want KindUpstream", KindOf(err))
	}
	if StatusCode(err) != http.StatusBadGateway {
		t.Fatalf("StatusCode = %d, want 502", StatusCode(err))
	}
}

func TestKindOfUnclassifiedError(t *testing.T) {
	err := errors.New("plain")
	if KindOf(err) != KindInternal {
		t.Fatalf("KindOf(plain error) = %v, want KindInternal", KindOf(err))
	}
	if StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("StatusCode(plain error) = %d, want 500", StatusCode(err))
	}
}

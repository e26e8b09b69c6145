package services

import (
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindForbidden},
		{http.StatusNotFound, KindNotFound},
		{http.StatusInternalServerError, KindExternal},
		{http.StatusBadGateway, KindExternal},
		{http.StatusBadRequest, KindUnknown},
	}

	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  int
	}{
		{"absent", "", 0},
		{"valid", "7", 7},
		{"zero", "0", 0},
		{"negative", "-3", 0},
		{"malformed", "soon", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.value != "" {
				h.Set("Retry-After", tc.value)
			}
			if got := parseRetryAfter(h); got != tc.want {
				t.Errorf("parseRetryAfter(%q) = %d, want %d", tc.value, got, tc.want)
			}
		})
	}
}

func TestIsKindAndRetryAfter(t *testing.T) {
	rateLimited := &APIError{Kind: KindRateLimited, Status: 429, RetryAfter: 12}
	forbidden := &APIError{Kind: KindForbidden, Status: 403}

	if !IsKind(rateLimited, KindRateLimited) {
		t.Error("expected rate-limit kind to match")
	}
	if IsKind(forbidden, KindRateLimited) {
		t.Error("forbidden should not match rate-limit kind")
	}
	if IsKind(fmt.Errorf("plain"), KindRateLimited) {
		t.Error("plain error should not match any kind")
	}

	wrapped := fmt.Errorf("cycle failed: %w", rateLimited)
	if got := RetryAfterSeconds(wrapped); got != 12 {
		t.Errorf("RetryAfterSeconds(wrapped) = %d, want 12", got)
	}
	if got := RetryAfterSeconds(forbidden); got != -1 {
		t.Errorf("RetryAfterSeconds(forbidden) = %d, want -1", got)
	}
}

func TestMostSevere(t *testing.T) {
	t.Run("status-less outranks status-bearing", func(t *testing.T) {
		local := NewAPIError(KindInitFailed, "bad invariant")
		remote := &APIError{Kind: KindExternal, Status: 503}

		if got := MostSevere([]error{remote, local}); got != local {
			t.Errorf("expected local error to win, got %v", got)
		}
	})

	t.Run("higher status wins", func(t *testing.T) {
		notFound := &APIError{Kind: KindNotFound, Status: 404}
		external := &APIError{Kind: KindExternal, Status: 503}

		if got := MostSevere([]error{notFound, external}); got != external {
			t.Errorf("expected 503 to win, got %v", got)
		}
	})

	t.Run("ties keep the earlier error", func(t *testing.T) {
		first := &APIError{Kind: KindForbidden, Status: 403, Message: "first"}
		second := &APIError{Kind: KindForbidden, Status: 403, Message: "second"}

		if got := MostSevere([]error{first, second}); got != first {
			t.Errorf("expected first error to win the tie, got %v", got)
		}
	})

	t.Run("empty and nil", func(t *testing.T) {
		if got := MostSevere(nil); got != nil {
			t.Errorf("expected nil for empty input, got %v", got)
		}
		if got := MostSevere([]error{nil, nil}); got != nil {
			t.Errorf("expected nil for all-nil input, got %v", got)
		}
	})

	t.Run("plain errors count as status-less", func(t *testing.T) {
		plain := fmt.Errorf("boom")
		remote := &APIError{Kind: KindExternal, Status: 500}

		if got := MostSevere([]error{remote, plain}); got != plain {
			t.Errorf("expected plain error to win, got %v", got)
		}
	})
}

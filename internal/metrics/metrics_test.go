package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Www.Amazon.in/dp/B0", "www.amazon.in"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if passesTotal == nil || evaluationsTotal == nil || notificationsTotal == nil ||
		storeEventsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(evaluationsTotal.WithLabelValues("metrics_test_outcome"))
	ObserveEvaluation("metrics_test_outcome")
	ObserveEvaluation("metrics_test_outcome")
	if got := testutil.ToFloat64(evaluationsTotal.WithLabelValues("metrics_test_outcome")); got != before+2 {
		t.Errorf("expected evaluations to grow by 2, got %f -> %f", before, got)
	}

	ObservePass("metrics_test", 3, 2*time.Second)
	if got := testutil.ToFloat64(pendingTrackers); got != 3 {
		t.Errorf("expected pending gauge 3, got %f", got)
	}

	ObserveNotification("metrics_test_sent")
	if got := testutil.ToFloat64(notificationsTotal.WithLabelValues("metrics_test_sent")); got != 1 {
		t.Errorf("expected one notification, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://amazon.in", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

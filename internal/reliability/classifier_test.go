package reliability

import "testing"

func TestIsRetryableCloseCode(t *testing.T) {
	retryable := []int{1001, 1006, 1011, 1012, 1013}
	for _, code := range retryable {
		if !IsRetryableCloseCode(code) {
			t.Fatalf("close code %d should be retryable", code)
		}
	}
	terminal := []int{1000, 1002, 1003, 1007, 1008}
	for _, code := range terminal {
		if IsRetryableCloseCode(code) {
			t.Fatalf("close code %d should be terminal", code)
		}
	}
}

func TestIsRetryableUpstreamCode(t *testing.T) {
	if !IsRetryableUpstreamCode("upstream_closed") {
		t.Fatalf("upstream_closed should be retryable")
	}
	if IsRetryableUpstreamCode("handshake_timeout") {
		t.Fatalf("handshake_timeout should be terminal")
	}
}

package gateio_test

import (
	"testing"

	"WindowLedger/internal/exchange/gateio"
)

// ============================================================================
// Test: Signer
// ============================================================================

func TestSigner_KnownVectors(t *testing.T) {
	s := gateio.NewSigner("test-key", "test-secret")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		ts     int64
		want   string
	}{
		{
			name:   "post with body",
			method: "POST",
			path:   "/api/v4/spot/orders",
			body:   `{"currency_pair":"BTC_USDT"}`,
			ts:     1700000000,
			want:   "a036597c052d3f08b302ab07a23ca51fa041646427a8f25260af9d37863cc327c32421ed83e7b1b024a6e8f80f39e3f1567d6e41b9d4080202fe7e096862f763",
		},
		{
			name:   "get without body",
			method: "GET",
			path:   "/api/v4/spot/my_trades",
			body:   "",
			ts:     1700000000,
			want:   "ebd7b4b74247669bcaee6f61268332251893a4f406e94b4b854abf624bbbfb19018aaa910800aecc688aa9a449a2d304281a2ba5892863bd95cbfff986690704",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := s.Sign(c.method, c.path, c.body, c.ts)

			if got := h.Get("SIGN"); got != c.want {
				t.Errorf("SIGN: got %s, want %s", got, c.want)
			}
			if got := h.Get("KEY"); got != "test-key" {
				t.Errorf("KEY: got %q, want test-key", got)
			}
			if got := h.Get("Timestamp"); got != "1700000000" {
				t.Errorf("Timestamp: got %q, want 1700000000", got)
			}
		})
	}
}

func TestSigner_SignaturesDifferPerRequest(t *testing.T) {
	s := gateio.NewSigner("k", "secret")

	a := s.Sign("GET", "/api/v4/spot/accounts", "", 1700000000).Get("SIGN")
	b := s.Sign("GET", "/api/v4/spot/accounts", "", 1700000001).Get("SIGN")
	if a == b {
		t.Error("different timestamps must produce different signatures")
	}

	c := s.Sign("POST", "/api/v4/spot/accounts", "", 1700000000).Get("SIGN")
	if a == c {
		t.Error("different methods must produce different signatures")
	}
}

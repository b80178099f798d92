package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/accounts/abc", "/v1/accounts/:id"},
		{"/v1/accounts/abc/entries", "/v1/accounts/:id/entries"},
		{"/v1/accounts/abc/extra", "/v1/accounts/abc/extra"},
		{"/v1/items/itm_1/unlock", "/v1/items/:id/unlock"},
		{"/v1/calls/cal_9/end", "/v1/calls/:id/end"},
		{"/v1/withdrawals/wd_2/transition", "/v1/withdrawals/:id/transition"},
		{"/v1/auctions/auc_3/bids", "/v1/auctions/:id/bids"},
		{"/v1/transfers", "/v1/transfers"},
		{"/v1/accounts/abc?limit=10", "/v1/accounts/:id"},
		{"/v1/webhooks/payments", "/v1/webhooks/payments"},
		{"/v1/affiliates/codes", "/v1/affiliates/codes"},
		{"/v1/affiliates/commissions/c1", "/v1/affiliates/commissions/:id"},
		{"/v1/affiliates/commissions/c1/transition", "/v1/affiliates/commissions/:id/transition"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

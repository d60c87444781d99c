package broker

import "testing"

func TestSessionNumber(t *testing.T) {
	tests := []struct {
		id   string
		want uint64
		ok   bool
	}{
		{SessionPath("12"), 12, true},
		{"/mediabroker/session/", 0, false},
		{"/mediabroker/session/x", 0, false},
		{"/other/12", 0, false},
	}
	for _, tt := range tests {
		n, ok := SessionNumber(tt.id)
		if n != tt.want || ok != tt.ok {
			t.Errorf("SessionNumber(%q) = %d, %t; want %d, %t", tt.id, n, ok, tt.want, tt.ok)
		}
	}
}

func TestRedacted(t *testing.T) {
	c := DefaultConfig()
	c.Proxy.URL = "http://proxy:3128"
	c.Proxy.Username = "u"
	c.Proxy.Password = "secret"

	got := redacted(c)
	if got.Proxy.Password != "***" || got.Proxy.Username != "u" {
		t.Errorf("redacted proxy = %+v", got.Proxy)
	}
	if c.Proxy.Password != "secret" {
		t.Error("redacted modified its argument")
	}
}

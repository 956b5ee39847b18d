package netutil

import "testing"

func TestCIDRSet_ContainsString(t *testing.T) {
	s := NewCIDRSet([]string{"10.0.0.0/8", "192.168.1.1", "2001:db8::/32"})

	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"172.16.0.1", false},
		{"2001:db8::5", true},
		{"2001:db9::5", false},
		{"not-an-ip", false},
	}
	for _, c := range cases {
		if got := s.ContainsString(c.ip); got != c.want {
			t.Errorf("ContainsString(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestCIDRSet_CrossFamilyNeverMatches(t *testing.T) {
	s := NewCIDRSet([]string{"0.0.0.0/0"})
	if s.ContainsString("::1") {
		t.Error("expected a v6 address never to match a v4-only set")
	}

	s6 := NewCIDRSet([]string{"::/0"})
	if s6.ContainsString("10.0.0.1") {
		t.Error("expected a v4 address never to match a v6-only set")
	}
}

func TestCIDRSet_AddRejectsMalformedEntries(t *testing.T) {
	s := NewCIDRSet(nil)
	if s.Add("garbage") {
		t.Error("expected Add to reject a malformed entry")
	}
	if s.Add("10.0.0.0/8") != true {
		t.Error("expected Add to accept a valid CIDR")
	}
}

package cidr

import (
	"net"
	"testing"
)

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad test IP %q", s)
	}
	return ip
}

func TestInvalid(t *testing.T) {
	_, err := Parse("")
	if err == nil {
		t.Fatal("expected parse error for empty string")
	}
}

func TestV4SlashZero(t *testing.T) {
	b, err := Parse("0.0.0.0/0")
	if err != nil {
		t.Fatal(err)
	}
	for _, ip := range []string{"0.0.0.0", "127.0.0.1", "255.255.255.255"} {
		if !b.Contains(mustIP(t, ip)) {
			t.Fatalf("expected %s contained in /0", ip)
		}
	}
}

func TestV4Slash24(t *testing.T) {
	b, err := Parse("10.0.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"9.255.255.255": false,
		"10.0.0.0":      true,
		"10.0.0.255":    true,
		"10.0.1.0":      false,
	}
	for ip, want := range cases {
		if got := b.Contains(mustIP(t, ip)); got != want {
			t.Errorf("%s: got %v want %v", ip, got, want)
		}
	}
}

func TestV4Slash31(t *testing.T) {
	b, err := Parse("10.0.0.16/31")
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"10.0.0.15": false,
		"10.0.0.16": true,
		"10.0.0.17": true,
		"10.0.0.18": false,
	}
	for ip, want := range cases {
		if got := b.Contains(mustIP(t, ip)); got != want {
			t.Errorf("%s: got %v want %v", ip, got, want)
		}
	}
}

func TestV4PrefixTooLarge(t *testing.T) {
	if _, err := Parse("10.1.2.3/33"); err == nil {
		t.Fatal("expected error for prefix > 32")
	}
}

func TestV6Slash96(t *testing.T) {
	b, err := Parse("fe80::5bb0:b6ba:ce05:d258/96")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Contains(mustIP(t, "fe80::5bb0:b6ba:ce05:d258")) {
		t.Fatal("expected exact address contained")
	}
	if !b.Contains(mustIP(t, "fe80:0:0:0:5bb0:b6ba:ffff:ffff")) {
		t.Fatal("expected matching /96 prefix contained")
	}
	if b.Contains(mustIP(t, "fe80:0:0:0:5bb0:b6bb:0:0")) {
		t.Fatal("expected non-matching prefix excluded")
	}
}

func TestFamilyMismatch(t *testing.T) {
	b, err := Parse("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	if b.Contains(mustIP(t, "::1")) {
		t.Fatal("v4 block must not contain v6 address")
	}
}

func TestAnyContains(t *testing.T) {
	list := "192.168.0.0/16,10.0.0.0/8"
	if !AnyContains(list, mustIP(t, "10.1.2.3")) {
		t.Fatal("expected containment in second block")
	}
	if AnyContains(list, mustIP(t, "172.16.0.1")) {
		t.Fatal("expected no containment")
	}
	if AnyContains("not-a-cidr", mustIP(t, "1.2.3.4")) {
		t.Fatal("unparseable entries must not match")
	}
}

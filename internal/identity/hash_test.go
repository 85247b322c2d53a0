package identity

import "testing"

func TestDeriveStableAcrossReconnects(t *testing.T) {
	in := Input{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)", RemoteAddr: "10.0.0.5:51000", AcceptLanguage: "en-US"}
	a := Derive(in)
	b := Derive(in)
	if a != b {
		t.Fatalf("expected stable id, got %q then %q", a, b)
	}
	if a[:7] != "device-" {
		t.Fatalf("expected device- prefix, got %q", a)
	}
}

func TestDeriveMobileSafariExcludesAddress(t *testing.T) {
	ua := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15"
	a := Derive(Input{UserAgent: ua, RemoteAddr: "10.0.0.5:1", AcceptLanguage: "en-US"})
	b := Derive(Input{UserAgent: ua, RemoteAddr: "192.168.1.9:2", AcceptLanguage: "en-US"})
	if a != b {
		t.Fatalf("expected mobile Safari id to ignore remote addr, got %q vs %q", a, b)
	}
	if a[:4] != "ios-" {
		t.Fatalf("expected ios- prefix, got %q", a)
	}
}

func TestDeriveNonMobileIncludesAddress(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	a := Derive(Input{UserAgent: ua, RemoteAddr: "10.0.0.5:1", AcceptLanguage: "en-US"})
	b := Derive(Input{UserAgent: ua, RemoteAddr: "192.168.1.9:2", AcceptLanguage: "en-US"})
	if a == b {
		t.Fatalf("expected desktop id to vary with remote addr")
	}
}

func TestIsMobileSafari(t *testing.T) {
	cases := map[string]bool{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)": true,
		"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)":          true,
		"Mozilla/5.0 (Linux; Android 14)":                        false,
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)":        false,
	}
	for ua, want := range cases {
		if got := IsMobileSafari(ua); got != want {
			t.Errorf("IsMobileSafari(%q) = %v, want %v", ua, got, want)
		}
	}
}

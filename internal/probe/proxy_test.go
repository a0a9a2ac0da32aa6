package probe

import "testing"

// =============================================================================
// BypassesProxy Tests
// =============================================================================

func TestBypassesProxy(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		noProxy string
		want    bool
	}{
		{"exact host", "http://localhost:4000", "localhost,127.0.0.1", true},
		{"exact ip", "http://127.0.0.1:4000", "localhost,127.0.0.1", true},
		{"no match", "http://gateway.example.com", "localhost,127.0.0.1", false},
		{"domain suffix with dot", "http://gw.corp.internal", ".internal", true},
		{"domain suffix without dot", "http://gw.corp.internal", "corp.internal", true},
		{"suffix does not match bare domain", "http://internal", ".internal", false},
		{"wildcard", "http://anything.example.com", "*", true},
		{"entry with port", "http://localhost:4000", "localhost:4000", true},
		{"case insensitive", "http://Gateway.Example.COM", "gateway.example.com", true},
		{"empty list", "http://localhost:4000", "", false},
		{"whitespace entries", "http://localhost:4000", " , localhost , ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BypassesProxy(tt.target, tt.noProxy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("BypassesProxy(%q, %q) = %v, want %v", tt.target, tt.noProxy, got, tt.want)
			}
		})
	}
}

func TestBypassesProxyInvalidTarget(t *testing.T) {
	if _, err := BypassesProxy("://not-a-url", "localhost"); err == nil {
		t.Error("expected error for unparseable target")
	}
}

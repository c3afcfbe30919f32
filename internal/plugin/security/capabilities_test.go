package security

import "testing"

func TestImpliesCapability(t *testing.T) {
	tests := []struct {
		granted  Capability
		required Capability
		want     bool
	}{
		{CapabilityAPI, CapabilityAccount, true},
		{CapabilityAccount, CapabilityAccount, true},
		{CapabilityAccount, CapabilityAPI, false},
		{CapabilityFileRead, CapabilityFileWrite, false},
		{Capability("api"), Capability("apiary"), false},
	}

	for _, tt := range tests {
		if got := ImpliesCapability(tt.granted, tt.required); got != tt.want {
			t.Errorf("ImpliesCapability(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestParseCapability(t *testing.T) {
	if got := ParseCapability("  Api.Wallet "); got != CapabilityWallet {
		t.Errorf("ParseCapability() = %q, want %q", got, CapabilityWallet)
	}
}

func TestGetCapabilityInfo(t *testing.T) {
	info, ok := GetCapabilityInfo(CapabilityWallet)
	if !ok {
		t.Fatal("GetCapabilityInfo(wallet) not found")
	}
	if info.Parent != CapabilityAPI {
		t.Errorf("Parent = %q, want %q", info.Parent, CapabilityAPI)
	}
	if IsKnownCapability("made.up") {
		t.Error("IsKnownCapability(made.up) = true")
	}
}

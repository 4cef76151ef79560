package location

import (
	"context"
	"testing"

	"github.com/bleepstore/bleepstore/internal/config"
)

func testConfig() config.StorageConfig {
	return config.StorageConfig{
		DefaultLocation: "primary",
		LocationConstraints: map[string]config.LocationConfig{
			"primary": {
				Type:        "mem",
				BucketMatch: true,
			},
			"secondary": {
				Type:        "mem",
				BucketMatch: false,
			},
		},
	}
}

func TestNewRegistrySynthesizesLegacy(t *testing.T) {
	cfg := testConfig()

	r, err := NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if _, ok := r.Get("legacy"); !ok {
		t.Error("expected a synthesized legacy location")
	}
	if r.DefaultLocation() != "primary" {
		t.Errorf("DefaultLocation() = %q, want %q", r.DefaultLocation(), "primary")
	}
}

func TestNewRegistryUnknownType(t *testing.T) {
	cfg := config.StorageConfig{
		DefaultLocation: "bad",
		LocationConstraints: map[string]config.LocationConfig{
			"bad": {Type: "not-a-real-type"},
		},
	}
	if _, err := NewRegistry(context.Background(), cfg); err == nil {
		t.Error("expected an error for an unknown location type")
	}
}

func TestNewRegistryBadDefault(t *testing.T) {
	cfg := config.StorageConfig{
		DefaultLocation: "missing",
		LocationConstraints: map[string]config.LocationConfig{
			"primary": {Type: "mem"},
		},
	}
	if _, err := NewRegistry(context.Background(), cfg); err == nil {
		t.Error("expected an error when default_location is not registered")
	}
}

func TestClientNativeKey(t *testing.T) {
	matched := &Client{Name: "a", BucketMatch: true}
	if got := matched.NativeKey("my-bucket", "my-key"); got != "my-key" {
		t.Errorf("NativeKey with BucketMatch=true = %q, want %q", got, "my-key")
	}

	unmatched := &Client{Name: "b", BucketMatch: false}
	if got := unmatched.NativeKey("my-bucket", "my-key"); got != "my-bucket/my-key" {
		t.Errorf("NativeKey with BucketMatch=false = %q, want %q", got, "my-bucket/my-key")
	}
}

func TestResolveLocation(t *testing.T) {
	cfg := testConfig()
	r, err := NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	tests := []struct {
		name           string
		headerOverride string
		bucketLocation string
		want           string
		wantErr        bool
	}{
		{"header override wins", "secondary", "primary", "secondary", false},
		{"falls back to bucket location", "", "secondary", "secondary", false},
		{"falls back to default", "", "", "primary", false},
		{"unregistered header override fails", "nonexistent", "primary", "", true},
		{"unregistered bucket location fails", "", "nonexistent", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.ResolveLocation(tc.headerOverride, tc.bucketLocation)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveLocation failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("ResolveLocation() = %q, want %q", got, tc.want)
			}
		})
	}
}

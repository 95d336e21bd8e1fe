package mlc_test

import (
	"testing"

	"mlc-go/internal/mlc"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw     string
		want    mlc.Location
		wantErr bool
	}{
		{raw: "/data/games/pkg", want: mlc.Location{Kind: mlc.LocalPath, Path: "/data/games/pkg"}},
		{raw: "/data/games/../pkg/", want: mlc.Location{Kind: mlc.LocalPath, Path: "/data/pkg"}},
		{raw: "file:///data/pkg", want: mlc.Location{Kind: mlc.LocalPath, Path: "/data/pkg"}},
		{raw: "s3://bucket/packages/title/", want: mlc.Location{Kind: mlc.ProviderURI, Scheme: "s3", Path: "bucket/packages/title"}},
		{raw: "MEM://store/pkg", want: mlc.Location{Kind: mlc.ProviderURI, Scheme: "mem", Path: "store/pkg"}},
		{raw: "s3://", wantErr: true},
		{raw: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := mlc.ParseLocation(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLocation(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLocation(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}

	t.Run("round trip", func(t *testing.T) {
		for _, raw := range []string{"/data/pkg", "s3://bucket/pkg"} {
			loc, err := mlc.ParseLocation(raw)
			if err != nil {
				t.Fatalf("ParseLocation(%q) error = %v", raw, err)
			}
			if loc.String() != raw {
				t.Errorf("String() = %q, want %q", loc.String(), raw)
			}
		}
	})
}

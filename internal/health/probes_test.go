package health

import "testing"

func TestSplitDiskTarget(t *testing.T) {
	tests := []struct {
		target   string
		wantPath string
		wantPct  int
	}{
		{"/var/lib/lnmt", "/var/lib/lnmt", 90},
		{"/var/lib/lnmt:95", "/var/lib/lnmt", 95},
		{"/data:0", "/data", 0},
		{"/weird:notanumber", "/weird:notanumber", 90},
	}
	for _, tt := range tests {
		path, pct := splitDiskTarget(tt.target)
		if path != tt.wantPath || pct != tt.wantPct {
			t.Errorf("splitDiskTarget(%q) = (%q, %d), want (%q, %d)", tt.target, path, pct, tt.wantPath, tt.wantPct)
		}
	}
}

package candle

import "testing"

func TestCandleValidate(t *testing.T) {
	cases := []struct {
		name    string
		c       Candle
		wantErr bool
	}{
		{"ok", Candle{Open: 10, Close: 12, Low: 9, High: 13, BaseVolume: 1, Trades: 1}, false},
		{"low too high", Candle{Open: 10, Close: 12, Low: 11, High: 13}, true},
		{"high too low", Candle{Open: 10, Close: 12, Low: 9, High: 11}, true},
		{"negative volume", Candle{Open: 10, Close: 12, Low: 9, High: 13, BaseVolume: -1}, true},
		{"negative trades", Candle{Open: 10, Close: 12, Low: 9, High: 13, Trades: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestCandleNormalize(t *testing.T) {
	iv, err := ParseInterval("1m")
	if err != nil {
		t.Fatal(err)
	}
	c := Candle{OpenMs: 60_030, IsClosed: true}
	n := c.Normalize(iv)
	if n.OpenMs != 60_000 {
		t.Fatalf("OpenMs = %d, want 60000", n.OpenMs)
	}
	if n.CloseMs != 119_999 {
		t.Fatalf("CloseMs = %d, want 119999", n.CloseMs)
	}
	if !n.IsClosed {
		t.Fatal("expected IsClosed preserved")
	}
}

func TestIsCurrentBucket(t *testing.T) {
	iv, _ := ParseInterval("1m")
	now := int64(125_000)
	current := Candle{OpenMs: 120_000}
	past := Candle{OpenMs: 60_000}
	if !current.IsCurrentBucket(iv, now) {
		t.Fatal("expected current bucket to match")
	}
	if past.IsCurrentBucket(iv, now) {
		t.Fatal("expected past bucket to not match")
	}
}

func TestParseIntervalRejectsUnknown(t *testing.T) {
	if _, err := ParseInterval("2m"); err == nil {
		t.Fatal("expected error for unknown interval label")
	}
}

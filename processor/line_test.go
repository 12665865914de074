package processor

import "testing"

func TestParseLineBasic(t *testing.T) {
	offers := ParseLine("iPhone 15 - $900")
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	o := offers[0]
	if o.Price != 900 || o.Currency != "USD" {
		t.Fatalf("unexpected offer: %+v", o)
	}
	if o.Description != "iPhone 15 -" {
		t.Fatalf("unexpected description: %q", o.Description)
	}
}

func TestParseLineMultiplePrices(t *testing.T) {
	offers := ParseLine("Pixel 9 Pro $700 or $650 used")
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d: %+v", len(offers), offers)
	}
	if offers[0].Price != 700 || offers[1].Price != 650 {
		t.Fatalf("unexpected prices: %+v", offers)
	}
}

func TestParseLineSkipsPureReaction(t *testing.T) {
	if offers := ParseLine("\U0001F44D"); offers != nil {
		t.Fatalf("expected no offers for pure reaction, got %+v", offers)
	}
}

func TestParseLineSkipsSystemNotice(t *testing.T) {
	if offers := ParseLine("image omitted"); offers != nil {
		t.Fatalf("expected no offers for system notice, got %+v", offers)
	}
}

func TestParseLineQuantityPatterns(t *testing.T) {
	cases := []struct {
		line string
		want int
	}{
		{"Galaxy S23 x3 $400 each", 3},
		{"Galaxy S23 5 pcs $400", 5},
		{"Galaxy S23 $400 qty 10", 10},
	}
	for _, c := range cases {
		offers := ParseLine(c.line)
		if len(offers) != 1 {
			t.Fatalf("line %q: expected 1 offer, got %d", c.line, len(offers))
		}
		if offers[0].Quantity != c.want {
			t.Errorf("line %q: expected quantity %d, got %d", c.line, c.want, offers[0].Quantity)
		}
	}
}

func TestParseLineCondition(t *testing.T) {
	offers := ParseLine("iPhone 12 128GB used $500")
	if len(offers) != 1 || offers[0].Condition != "used" {
		t.Fatalf("expected condition 'used', got %+v", offers)
	}
}

func TestParseTranscriptSenderAttribution(t *testing.T) {
	text := "[1/2/24, 10:03:00 AM] Jane Doe: iPhone 15 $900\n" +
		"Still available\n" +
		"[1/2/24, 10:05:00 AM] John Smith: Pixel 9 $700\n"
	offers := ParseTranscript(text)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d: %+v", len(offers), offers)
	}
	if offers[0].VendorHint != "Jane Doe" {
		t.Errorf("expected sender Jane Doe, got %q", offers[0].VendorHint)
	}
	if offers[1].VendorHint != "John Smith" {
		t.Errorf("expected sender John Smith, got %q", offers[1].VendorHint)
	}
}

func TestParseLineNoPriceYieldsNothing(t *testing.T) {
	if offers := ParseLine("just chatting about nothing"); offers != nil {
		t.Fatalf("expected no offers, got %+v", offers)
	}
}

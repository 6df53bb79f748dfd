package color

import "testing"

func TestAssignWrapsAtEight(t *testing.T) {
	if got := Assign(0); got != Red {
		t.Fatalf("Assign(0) = %q, want red", got)
	}
	if got := Assign(7); got != Cyan {
		t.Fatalf("Assign(7) = %q, want cyan", got)
	}
	if got := Assign(8); got != Red {
		t.Fatalf("Assign(8) = %q, want red (wraps)", got)
	}
	if got := Assign(9); got != Blue {
		t.Fatalf("Assign(9) = %q, want blue", got)
	}
}

func TestMultiplexerColorMapping(t *testing.T) {
	cases := map[Color]string{
		Purple: "magenta",
		Orange: "colour208",
		Pink:   "colour205",
		Red:    "red",
		Cyan:   "cyan",
	}
	for c, want := range cases {
		got, err := MultiplexerColor(c)
		if err != nil {
			t.Fatalf("MultiplexerColor(%q): %v", c, err)
		}
		if got != want {
			t.Fatalf("MultiplexerColor(%q) = %q, want %q", c, got, want)
		}
	}
}

func TestMultiplexerColorUnknown(t *testing.T) {
	if _, err := MultiplexerColor(Color("plaid")); err == nil {
		t.Fatal("expected error for unknown palette entry")
	}
}

func TestValid(t *testing.T) {
	if !Purple.Valid() {
		t.Fatal("purple should be a valid palette entry")
	}
	if Color("plaid").Valid() {
		t.Fatal("plaid should not be a valid palette entry")
	}
}

func TestAllReturnsFixedOrder(t *testing.T) {
	want := []Color{Red, Blue, Green, Yellow, Purple, Orange, Pink, Cyan}
	got := All()
	if len(got) != len(want) {
		t.Fatalf("All() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

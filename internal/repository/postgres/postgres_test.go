package postgres

import "testing"

func TestTextArrayNeverBindsNull(t *testing.T) {
	if got := textArray(nil); got == nil || len(got) != 0 {
		t.Fatalf("textArray(nil) = %v, want empty non-nil slice", got)
	}
	got := textArray([]string{"sale", "website"})
	if len(got) != 2 || got[0] != "sale" || got[1] != "website" {
		t.Fatalf("textArray = %v", got)
	}
}

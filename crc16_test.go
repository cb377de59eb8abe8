package redis

import "testing"

func TestCRC16CCITTCheckValue(t *testing.T) {
	// The standard CRC-16/XMODEM catalogue check value for the ASCII
	// string "123456789" is 0x31C3 — this pins our table/poly/init
	// choice against the well-known reference implementation.
	if got := crc16CCITT([]byte("123456789")); got != 0x31C3 {
		t.Errorf("crc16CCITT(\"123456789\") = 0x%04X, want 0x31C3", got)
	}
	if got := crc16CCITT(nil); got != 0 {
		t.Errorf("crc16CCITT(nil) = 0x%04X, want 0", got)
	}
}

func TestHashtag(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"foo", "foo"},
		{"{foo}bar", "foo"},
		{"{}bar", "{}bar"}, // empty tag falls back to the whole key
		{"foo{bar}{baz}", "bar"},
		{"{bar", "{bar"}, // unterminated tag falls back to the whole key
		{"", ""},
	}
	for _, c := range cases {
		if got := string(hashtag([]byte(c.key))); got != c.want {
			t.Errorf("hashtag(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestSlotKnownVectors(t *testing.T) {
	if got := Slot([]byte("foo")); got != 12182 {
		t.Errorf("Slot(\"foo\") = %d, want 12182", got)
	}
	if got := Slot([]byte("")); got != 0 {
		t.Errorf("Slot(\"\") = %d, want 0", got)
	}
}

func TestSlotHashtagEquivalence(t *testing.T) {
	plain := Slot([]byte("foo"))
	tagged := Slot([]byte("{foo}bar"))
	if plain != tagged {
		t.Errorf("Slot(foo)=%d != Slot({foo}bar)=%d, hashtag routing broken", plain, tagged)
	}
}

func TestSlotRange(t *testing.T) {
	keys := []string{"a", "ab", "abc", "user:1000", "{user1000}.following", "{user1000}.followers"}
	for _, k := range keys {
		s := Slot([]byte(k))
		if s < 0 || s >= MaxSlots {
			t.Errorf("Slot(%q) = %d out of range [0,%d)", k, s, MaxSlots)
		}
	}
}

func TestKeyForSlotTotality(t *testing.T) {
	table := keyForSlotTable()
	for slot := 0; slot < MaxSlots; slot++ {
		key := table[slot]
		if key == nil {
			t.Fatalf("slot %d has no representative key", slot)
		}
		if got := Slot(key); got != slot {
			t.Fatalf("KeyForSlot(%d) = %q hashes to slot %d, not %d", slot, key, got, slot)
		}
	}
}

func TestKeyForSlotIsSingleton(t *testing.T) {
	a := KeyForSlot(42)
	b := KeyForSlot(42)
	if string(a) != string(b) {
		t.Errorf("KeyForSlot(42) not stable across calls: %q vs %q", a, b)
	}
}

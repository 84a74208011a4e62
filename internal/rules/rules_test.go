package rules

import "testing"

func TestDefaultRulesArePermissive(t *testing.T) {
	r := NewDefault()
	ctx := Context{ChannelKind: Network}
	if !r.Visibility(ctx) || !r.CanReveal(ctx) || !r.CanReceive(ctx) {
		t.Fatalf("expected default rules to allow everything")
	}
}

func TestHardenRecoversFromPanic(t *testing.T) {
	var recovered interface{}
	r := Rules{
		Visibility: func(Context) bool { panic("boom") },
	}
	hardened := Harden(r, func(v interface{}) { recovered = v })

	if hardened.Visibility(Context{}) {
		t.Fatalf("expected panicking predicate to fail closed")
	}
	if recovered != "boom" {
		t.Fatalf("expected panic to be observed, got %v", recovered)
	}
}

func TestStorageOnlyVisibility(t *testing.T) {
	r := NewDefault()
	r.Visibility = func(ctx Context) bool { return ctx.ChannelKind == Storage }

	if r.Visibility(Context{ChannelKind: Network}) {
		t.Fatalf("network channel should not see the directory")
	}
	if !r.Visibility(Context{ChannelKind: Storage}) {
		t.Fatalf("storage channel should see the directory")
	}
}

func TestAndOrNot(t *testing.T) {
	isStorage := func(ctx Context) bool { return ctx.ChannelKind == Storage }
	isNetwork := func(ctx Context) bool { return ctx.ChannelKind == Network }

	either := Or(isStorage, isNetwork)
	if !either(Context{ChannelKind: Network}) {
		t.Fatalf("Or should allow network")
	}
	if either(Context{ChannelKind: Bridge}) {
		t.Fatalf("Or should reject bridge")
	}

	both := And(isStorage, isNetwork)
	if both(Context{ChannelKind: Network}) {
		t.Fatalf("And should reject since both can't hold at once")
	}

	not := Not(isStorage)
	if not(Context{ChannelKind: Storage}) {
		t.Fatalf("Not should invert isStorage")
	}
}

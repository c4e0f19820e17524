package monitor

import (
	"testing"

	"github.com/leozw/query-guardian/internal/core"
)

func TestHashRowIdentity(t *testing.T) {
	key := []string{"order_id", "reason"}
	a := core.Row{"order_id": core.String("ORD-1"), "reason": core.String("timeout")}
	b := core.Row{"order_id": core.String("ORD-1"), "reason": core.String("timeout"), "retries": core.Number(3)}
	c := core.Row{"order_id": core.String("ORD-2"), "reason": core.String("timeout")}

	if len(HashRow(a, key)) != 64 {
		t.Fatal("hash must be sha256 hex")
	}
	if HashRow(a, key) != HashRow(b, key) {
		t.Fatal("columns outside the key set must not affect identity")
	}
	if HashRow(a, key) == HashRow(c, key) {
		t.Fatal("different key values must hash differently")
	}
}

func TestHashRowKeyOrderMatters(t *testing.T) {
	row := core.Row{"a": core.String("x"), "b": core.String("y")}
	if HashRow(row, []string{"a", "b"}) == HashRow(row, []string{"b", "a"}) {
		t.Fatal("key field order is part of the identity")
	}
}

func TestHashRowCaseInsensitiveFields(t *testing.T) {
	upper := core.Row{"Order_ID": core.String("ORD-1")}
	lower := core.Row{"order_id": core.String("ORD-1")}
	key := []string{"order_id"}
	if HashRow(upper, key) != HashRow(lower, key) {
		t.Fatal("column casing must not affect identity")
	}
}

func TestHashRowMissingFieldIsEmpty(t *testing.T) {
	missing := core.Row{"other": core.String("v")}
	explicit := core.Row{"order_id": core.String(""), "other": core.String("v")}
	null := core.Row{"order_id": core.Null(), "other": core.String("v")}
	key := []string{"order_id"}

	if HashRow(missing, key) != HashRow(explicit, key) {
		t.Fatal("missing key field must hash like an empty value")
	}
	if HashRow(missing, key) != HashRow(null, key) {
		t.Fatal("null key field must hash like an empty value")
	}
}

func TestHashRowNumberCanonicalForm(t *testing.T) {
	// 5 and 5.0 decode to the same float; their identity must agree.
	a := core.Row{"amount": core.Number(5)}
	b := core.Row{"amount": core.Number(5.0)}
	if HashRow(a, []string{"amount"}) != HashRow(b, []string{"amount"}) {
		t.Fatal("numeric rendering must be canonical")
	}
}

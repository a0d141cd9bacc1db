package domain

import "testing"

func TestDefaultPermissions(t *testing.T) {
	admin := DefaultPermissions(RoleAdmin)
	if admin != PermAll {
		t.Fatalf("expected admin to hold every permission, got %s", admin)
	}

	cashier := DefaultPermissions(RoleCashier)
	if !cashier.Has(PermSell) || !cashier.Has(PermCloseShift) {
		t.Fatalf("cashier is missing sell or close_shift: %s", cashier)
	}
	if cashier.Has(PermInventory) || cashier.Has(PermReports) {
		t.Fatalf("cashier should not manage inventory or reports: %s", cashier)
	}

	if DefaultPermissions("guest") != 0 {
		t.Fatalf("unknown role should get no permissions")
	}
}

func TestParsePermissions(t *testing.T) {
	p, err := ParsePermissions([]string{"sell", " Reports ", ""})
	if err != nil {
		t.Fatalf("parse permissions: %v", err)
	}
	if p != PermSell|PermReports {
		t.Fatalf("unexpected mask %d", p)
	}
	if got := p.String(); got != "reports,sell" {
		t.Fatalf("unexpected names %q", got)
	}

	if _, err := ParsePermissions([]string{"launch_missiles"}); err == nil {
		t.Fatalf("expected unknown permission to fail")
	}
}

func TestHasZeroFlag(t *testing.T) {
	if PermAll.Has(0) {
		t.Fatalf("zero flag must never be granted")
	}
}

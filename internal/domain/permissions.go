package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a set of capability flags granted to a user.
type Permission uint32

const (
	PermSell Permission = 1 << iota
	PermReturn
	PermPurchase
	PermInventory
	PermCloseShift
	PermReports
	PermExpenses
	PermManageUsers
	PermManageProducts
)

const PermAll = PermSell | PermReturn | PermPurchase | PermInventory | PermCloseShift |
	PermReports | PermExpenses | PermManageUsers | PermManageProducts

var permissionNames = map[string]Permission{
	"sell":            PermSell,
	"return":          PermReturn,
	"purchase":        PermPurchase,
	"inventory":       PermInventory,
	"close_shift":     PermCloseShift,
	"reports":         PermReports,
	"expenses":        PermExpenses,
	"manage_users":    PermManageUsers,
	"manage_products": PermManageProducts,
}

// DefaultPermissions returns the grant a role gets when none is given explicitly.
func DefaultPermissions(role string) Permission {
	switch role {
	case RoleAdmin:
		return PermAll
	case RoleCashier:
		return PermSell | PermReturn | PermCloseShift | PermExpenses
	default:
		return 0
	}
}

func (p Permission) Has(flag Permission) bool {
	return flag != 0 && p&flag == flag
}

// Names lists the flags in p in a stable order.
func (p Permission) Names() []string {
	names := make([]string, 0, len(permissionNames))
	for name, flag := range permissionNames {
		if p&flag != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (p Permission) String() string {
	return strings.Join(p.Names(), ",")
}

func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		flag, ok := permissionNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", raw)
		}
		p |= flag
	}
	return p, nil
}

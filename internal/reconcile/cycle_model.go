package reconcile

import (
	"encoding/json"
	"fmt"

	"recon-core/pkg/db"
)

// HedgeLevel is one rung of a progressive-loss-averaging ladder.
type HedgeLevel struct {
	Level     int     `json:"level"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Activated bool    `json:"activated"`
}

// HedgeState is the hedge-specific state carried by hedge-kind cycles.
type HedgeState struct {
	Levels         []HedgeLevel `json:"levels"`
	CurrentLevel   int          `json:"current_level"`
	ActivationLoss float64      `json:"activation_loss"`
	MaxDrawdown    float64      `json:"max_drawdown"`
}

// cycleView is the typed in-memory representation of a cycle row. Kind
// dispatch is attribute-driven and resolved exactly once here: a cycle is
// hedge-kind iff it carries hedge state or the explicit hedge marker.
// Nothing downstream re-inspects attributes per operation.
type cycleView struct {
	row   db.Cycle
	hedge *HedgeState // nil for standard cycles
}

func resolveCycle(row db.Cycle) (*cycleView, error) {
	view := &cycleView{row: row}

	if row.HedgeState != "" {
		var hs HedgeState
		if err := json.Unmarshal([]byte(row.HedgeState), &hs); err != nil {
			return nil, fmt.Errorf("cycle %s: parse hedge state: %w", row.ID, err)
		}
		if len(hs.Levels) > 0 || row.Kind == db.KindHedge {
			view.hedge = &hs
		}
	} else if row.Kind == db.KindHedge {
		view.hedge = &HedgeState{}
	}
	return view, nil
}

func (v *cycleView) kind() string {
	if v.hedge != nil {
		return db.KindHedge
	}
	return db.KindStandard
}

// nextHedgeLevel returns the first rung that has not yet been activated.
func (v *cycleView) nextHedgeLevel() (HedgeLevel, bool) {
	if v.hedge == nil {
		return HedgeLevel{}, false
	}
	for _, lvl := range v.hedge.Levels {
		if !lvl.Activated {
			return lvl, true
		}
	}
	return HedgeLevel{}, false
}

// roleFor infers the role list an order belongs to from its attributes.
func roleFor(o db.Order) string {
	if o.Status == db.OrderClosed {
		return "closed"
	}
	if o.HedgeLevel > 0 || o.Role == db.RoleHedge {
		return db.RoleHedge
	}
	switch o.Role {
	case db.RoleRecovery, db.RoleThreshold:
		return o.Role
	}
	if o.Status == db.OrderPending || o.Role == db.RolePending {
		return db.RolePending
	}
	return db.RoleInitial
}

// appendRole adds an order id to the matching role list on the row.
func appendRole(row *db.Cycle, role, orderID string) {
	switch role {
	case "closed":
		row.ClosedOrders = append(row.ClosedOrders, orderID)
	case db.RoleHedge:
		row.HedgeOrders = append(row.HedgeOrders, orderID)
	case db.RoleRecovery:
		row.RecoveryOrders = append(row.RecoveryOrders, orderID)
	case db.RolePending:
		row.PendingOrders = append(row.PendingOrders, orderID)
	case db.RoleThreshold:
		row.ThresholdOrders = append(row.ThresholdOrders, orderID)
	default:
		row.InitialOrders = append(row.InitialOrders, orderID)
	}
}

// dropOrderRefs removes the given ids from every role list, reporting how
// many references were dropped.
func dropOrderRefs(row *db.Cycle, ids map[string]struct{}) int {
	dropped := 0
	filter := func(list []string) []string {
		out := list[:0]
		for _, id := range list {
			if _, gone := ids[id]; gone {
				dropped++
				continue
			}
			out = append(out, id)
		}
		return out
	}
	row.InitialOrders = filter(row.InitialOrders)
	row.HedgeOrders = filter(row.HedgeOrders)
	row.RecoveryOrders = filter(row.RecoveryOrders)
	row.PendingOrders = filter(row.PendingOrders)
	row.ThresholdOrders = filter(row.ThresholdOrders)
	row.ClosedOrders = filter(row.ClosedOrders)
	return dropped
}

package dedupe

import (
	"fmt"
	"sort"
)

// Keyer tells the grouper how to read a record.
type Keyer[T any] struct {
	Key func(T) string
	ID  func(T) int
	// Before orders members, earliest first. Ascending ID when nil.
	Before func(a, b T) bool
}

func (k Keyer[T]) before(a, b T) bool {
	if k.Before != nil {
		return k.Before(a, b)
	}
	return k.ID(a) < k.ID(b)
}

// Group is a set of two or more records sharing one key.
type Group[T any] struct {
	Key          string
	Members      []T
	KeepId       int
	ExplicitKeep bool
}

func (g Group[T]) IDs(id func(T) int) []int {
	ids := make([]int, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, id(m))
	}
	return ids
}

func (g Group[T]) Has(id func(T) int, target int) bool {
	for _, m := range g.Members {
		if id(m) == target {
			return true
		}
	}
	return false
}

// GroupBy groups items by key. Items with an empty key are skipped and singleton
// groups are dropped. The keep defaults to the earliest member; a keep chosen earlier
// (keeps[key]) sticks as long as that record is still in the group.
// Groups come back in order of first appearance.
func GroupBy[T any](items []T, k Keyer[T], keeps map[string]int) []Group[T] {
	buckets := make(map[string][]T)
	var order []string
	for _, item := range items {
		key := k.Key(item)
		if key == "" {
			continue
		}
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], item)
	}

	groups := make([]Group[T], 0)
	for _, key := range order {
		members := buckets[key]
		if len(members) < 2 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool { return k.before(members[i], members[j]) })
		g := Group[T]{Key: key, Members: members, KeepId: k.ID(members[0])}
		if keep, ok := keeps[key]; ok && g.Has(k.ID, keep) {
			g.KeepId = keep
			g.ExplicitKeep = true
		}
		groups = append(groups, g)
	}
	return groups
}

type DeleteRequest struct {
	GroupKey string
	// zero means "use the group's current keep"
	KeepId int
}

type DeletePlan struct {
	GroupKey  string
	KeepId    int
	DeleteIds []int
}

type Rejection struct {
	GroupKey string
	Reason   string
}

// PlanDeletes works out, per requested group, which members go. A request is rejected
// on its own (never dragging other groups with it) when the group is unknown or the
// keep id is not one of its members.
func PlanDeletes[T any](groups []Group[T], id func(T) int, requests []DeleteRequest) ([]DeletePlan, []Rejection) {
	byKey := make(map[string]Group[T], len(groups))
	for _, g := range groups {
		byKey[g.Key] = g
	}

	plans := make([]DeletePlan, 0, len(requests))
	rejected := make([]Rejection, 0)
	seen := make(map[string]bool)
	for _, req := range requests {
		if seen[req.GroupKey] {
			continue
		}
		seen[req.GroupKey] = true

		g, ok := byKey[req.GroupKey]
		if !ok {
			rejected = append(rejected, Rejection{GroupKey: req.GroupKey, Reason: "duplicate group not found"})
			continue
		}
		keep := req.KeepId
		if keep == 0 {
			keep = g.KeepId
		}
		if !g.Has(id, keep) {
			rejected = append(rejected, Rejection{
				GroupKey: req.GroupKey,
				Reason:   fmt.Sprintf("keep id %d is not a member of the group", keep),
			})
			continue
		}
		plan := DeletePlan{GroupKey: g.Key, KeepId: keep}
		for _, m := range g.Members {
			if mid := id(m); mid != keep {
				plan.DeleteIds = append(plan.DeleteIds, mid)
			}
		}
		plans = append(plans, plan)
	}
	return plans, rejected
}

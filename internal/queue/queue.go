// Package queue groups foreign subtasks into department batches and orders
// the batches for sequential delegation.
package queue

import (
	"sort"
	"time"

	"organ_dispatch/internal/domain"
)

// DefaultSortOrder applies to departments absent from both the priority table
// and the department sort_order lookup.
const DefaultSortOrder = 999

// DefaultPriority is the fixed department precedence. Lower runs earlier.
var DefaultPriority = map[string]int{
	"dev":        0,
	"design":     1,
	"qa":         2,
	"operations": 3,
	"devsecops":  4,
	"planning":   5,
}

// Queue is one department batch in delegation order.
type Queue struct {
	DepartmentID string
	Subtasks     []domain.Subtask
}

// IDs returns the subtask ids of the batch.
func (q Queue) IDs() []string {
	ids := make([]string, 0, len(q.Subtasks))
	for _, st := range q.Subtasks {
		ids = append(ids, st.ID)
	}
	return ids
}

// Builder orders queues with an optional priority override.
type Builder struct {
	Priority map[string]int
}

// Group buckets subtasks by target department. A subtask without a target
// department forms its own single-item queue. Groups keep first-appearance order.
func Group(subtasks []domain.Subtask) []Queue {
	index := make(map[string]int)
	queues := make([]Queue, 0)
	for _, st := range subtasks {
		key := st.Department()
		dept := key
		if key == "" {
			key = "\x00" + st.ID
		}
		i, ok := index[key]
		if !ok {
			i = len(queues)
			index[key] = i
			queues = append(queues, Queue{DepartmentID: dept})
		}
		queues[i].Subtasks = append(queues[i].Subtasks, st)
	}
	return queues
}

// Order sorts queues by department precedence, falling back to the
// department sort order, then to the earliest subtask creation time.
func (b Builder) Order(queues []Queue, sortOrder map[string]int) []Queue {
	priority := b.Priority
	if priority == nil {
		priority = DefaultPriority
	}
	rank := func(dept string) int {
		if v, ok := priority[dept]; ok {
			return v
		}
		if v, ok := sortOrder[dept]; ok {
			return v
		}
		return DefaultSortOrder
	}

	out := make([]Queue, len(queues))
	copy(out, queues)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].DepartmentID), rank(out[j].DepartmentID)
		if ri != rj {
			return ri < rj
		}
		ei, ej := earliest(out[i]), earliest(out[j])
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return out[i].DepartmentID < out[j].DepartmentID
	})
	return out
}

// Build groups and orders subtasks in one step.
func (b Builder) Build(subtasks []domain.Subtask, sortOrder map[string]int) []Queue {
	return b.Order(Group(subtasks), sortOrder)
}

// Build uses the default precedence table.
func Build(subtasks []domain.Subtask, sortOrder map[string]int) []Queue {
	return Builder{}.Build(subtasks, sortOrder)
}

func earliest(q Queue) (t time.Time) {
	for i, st := range q.Subtasks {
		if i == 0 || st.CreatedAt.Before(t) {
			t = st.CreatedAt
		}
	}
	return t
}

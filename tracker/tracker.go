// Package tracker defines the optional work-item adapter surface: resolving
// a tracker_issue/tracker_pr task number into a dispatch command, title, and
// labels. No concrete backend ships; the registry starts empty and the queue
// store only consults it when present, per the supervisor's tracker
// integration remaining out of scope.
package tracker

import (
	"context"

	"oss.nandlabs.io/supervisor/managers"
	"oss.nandlabs.io/supervisor/task"
)

// Adapter resolves a tracker item reference into the fields the queue store
// needs to finish constructing a task.
type Adapter interface {
	// Resolve looks up taskType/number against the external tracker and
	// returns the dispatch command, a human title, and labels.
	Resolve(ctx context.Context, taskType task.Type, number int) (command string, title string, labels []string, err error)
}

// Registry maps a task type (e.g. "tracker_issue") to the Adapter that
// knows how to resolve it, following golly's managers.ItemManager registry
// pattern used elsewhere for session lookup.
type Registry = managers.ItemManager[Adapter]

// NewRegistry returns an empty tracker registry.
func NewRegistry() Registry {
	return managers.NewItemManager[Adapter]()
}

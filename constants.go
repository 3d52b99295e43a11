package lwis

import "github.com/lwisd/lwis/internal/constants"

// Re-exported defaults for the public API.
const (
	DefaultWorkQueueDepth = constants.DefaultWorkQueueDepth
	MaxTriggerNodes       = constants.MaxTriggerNodes
	EventQueueCapacity    = constants.EventQueueCapacity
	InvalidID             = constants.InvalidID
	AutoAssignDeviceID    = constants.AutoAssignDeviceID
)

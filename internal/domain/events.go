package domain

import "time"

// StateChange describes a container transition that was not requested by
// the owning client: a detected kill, a crash, a provisioning failure,
// or an idle reap. Subscribers holding a cached Container must treat any
// terminal StateChange as an instruction to discard the reference and
// start over.
type StateChange struct {
	ContainerID string          `json:"container_id"`
	Previous    ContainerStatus `json:"previous"`
	New         ContainerStatus `json:"new"`
	Reason      string          `json:"reason,omitempty"`
	At          time.Time       `json:"at"`
}

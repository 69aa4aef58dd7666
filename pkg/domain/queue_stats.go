package domain

// QueueStats is the admission picture of one machine.
type QueueStats struct {
	MachineID string        `json:"machine_id"`
	Status    MachineStatus `json:"status"`
	Runnable  bool          `json:"runnable"`
	Limit     int           `json:"limit"`
	Active    int           `json:"active"`
	Queued    int64         `json:"queued"`
}

package model

// JobCounts summarises the job manager's active table.
type JobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Add counts one job in the given state.
func (c *JobCounts) Add(state JobState) {
	c.Total++
	switch state {
	case JobQueued:
		c.Queued++
	case JobRunning:
		c.Running++
	case JobSucceeded:
		c.Succeeded++
	case JobFailed:
		c.Failed++
	case JobCancelled:
		c.Cancelled++
	}
}

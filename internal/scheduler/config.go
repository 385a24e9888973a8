package scheduler

import "time"

// Config tunes the task runner. Zero values are replaced by defaults so a
// partially populated config from the environment still behaves sanely.
type Config struct {
	// RunInterval is how often the runner re-evaluates the task table.
	RunInterval time.Duration
	// TaskTimeout bounds a single task run. Hitting it is a soft stop:
	// the run ends early and the remainder is picked up next tick.
	TaskTimeout time.Duration
	// DeliveryBatchSize caps queued invoice deliveries sent per run.
	DeliveryBatchSize int
	// EnabledTasks restricts the runner to the named task keys. Empty
	// means all registered tasks.
	EnabledTasks []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		TaskTimeout:       10 * time.Minute,
		DeliveryBatchSize: 50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = def.RunInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.DeliveryBatchSize <= 0 {
		c.DeliveryBatchSize = def.DeliveryBatchSize
	}
	return c
}

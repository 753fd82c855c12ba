package stemcfg

import (
	"fmt"

	"github.com/stemnet/stemd/dandelion"
)

// Workers exposes CLI configuration for tuning the goroutines that process
// incoming transactions.
//
//nolint:lll
type Workers struct {
	// Dandelion is the number of concurrent pool manager workers.
	Dandelion int `long:"dandelion" description:"Maximum number of concurrent Dandelion++ pool manager workers."`

	// QueueSize is the capacity of the incoming transaction queue.
	QueueSize int `long:"queue-size" description:"Number of incoming transactions that may wait for a worker before submitting blocks."`
}

// DefaultWorkers returns the default worker options.
func DefaultWorkers() *Workers {
	return &Workers{
		Dandelion: dandelion.DefaultWorkers,
		QueueSize: dandelion.DefaultQueueSize,
	}
}

// Validate checks the Workers configuration to ensure that the input values
// are sane.
//
// NOTE: This is part of the Validator interface.
func (w *Workers) Validate() error {
	if w.Dandelion <= 0 {
		return fmt.Errorf("number of dandelion workers (%d) must be "+
			"positive", w.Dandelion)
	}
	if w.QueueSize <= 0 {
		return fmt.Errorf("queue size (%d) must be positive",
			w.QueueSize)
	}

	return nil
}

// A compile time check to ensure Workers implements the Validator interface.
var _ Validator = (*Workers)(nil)

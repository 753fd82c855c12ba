package stemcfg

import (
	"fmt"
	"net"
)

// DefaultPrometheusListen is the default address of the metrics exporter.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus holds the options of the metrics exporter.
//
//nolint:lll
type Prometheus struct {
	Enable bool `long:"enable" description:"Export relay metrics for prometheus."`

	Listen string `long:"listen" description:"The address the metrics exporter listens on."`
}

// DefaultPrometheus returns the default exporter options.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Validate checks that an enabled exporter has a valid listen address.
//
// NOTE: This is part of the Validator interface.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus listen address %q: %w",
			p.Listen, err)
	}

	return nil
}

// A compile time check to ensure Prometheus implements the Validator
// interface.
var _ Validator = (*Prometheus)(nil)

package bus

import (
	"fmt"

	"github.com/openpayroll/shrike/internal/domain"
)

// New creates the event bus scan lifecycle, anomaly and blocking events
// are published on. Community tier fans out in-process over channels;
// Pro tier publishes to NATS so the withdrawal path and alerting can
// subscribe from other processes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

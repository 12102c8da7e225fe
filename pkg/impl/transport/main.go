package transport

import (
	"fmt"

	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

// New creates the transport configured by cfg. A mem transport is attached to a private hub,
// use MemHub to connect several in-process buses.
func New(cfg *config.TransportConfig) (t types.Transport, err error) {
	switch enum.TransportType(cfg.Type) {
	case enum.TransportTypeKafka:
		t, err = NewKafkaTransport(cfg)
		return
	case enum.TransportTypeNATS:
		t, err = NewNATSTransport(cfg)
		return
	case enum.TransportTypeMem:
		return NewMemHub().Connect(), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %v", cfg.Type)
	}
}

func validateRole(role string) error {
	if role != string(enum.TransportRoleSupervisor) && role != string(enum.TransportRoleClient) {
		return fmt.Errorf("TransportConfig.Role was not specified")
	}
	return nil
}

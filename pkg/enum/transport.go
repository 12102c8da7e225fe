package enum

type TransportRole string

const (
	TransportRoleSupervisor TransportRole = "Supervisor"
	TransportRoleClient     TransportRole = "Client"
)

type TransportType string

const (
	TransportTypeKafka TransportType = "kafka"
	TransportTypeNATS  TransportType = "nats"
	TransportTypeMem   TransportType = "mem"
)

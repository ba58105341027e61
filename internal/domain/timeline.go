package domain

// Timeline event types
const (
	EventTypeRequestCreated   = "REQUEST_CREATED"
	EventTypeRequestCompleted = "REQUEST_COMPLETED"
	EventTypeRequestFailed    = "REQUEST_FAILED"
	EventTypeRequestAborted   = "REQUEST_ABORTED"
	EventTypeStageFailed      = "STAGE_FAILED"
	EventTypeHostLost         = "HOST_HEARTBEAT_LOST"
	EventTypeKerberosPrepare  = "KERBEROS_PREPARE"
	EventTypeKerberosFinalize = "KERBEROS_FINALIZE"
)

// Timeline resource types
const (
	ResourceTypeRequest = "request"
	ResourceTypeHost    = "host"
	ResourceTypeCluster = "cluster"
)

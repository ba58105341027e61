package services

import "errors"

// Orchestration errors
var (
	// ErrConfiguration covers role ordering problems: cycles, roles without a
	// service, duplicate host/role operations.
	ErrConfiguration = errors.New("orchestration: configuration error")
	// ErrTopology means no host is eligible to run the operation.
	ErrTopology           = errors.New("orchestration: no eligible host")
	ErrStageOrder         = errors.New("orchestration: stage ids must increase")
	ErrContainerPersisted = errors.New("orchestration: request already persisted")
)

// Request errors
var (
	ErrRequestNotFound    = errors.New("request: not found")
	ErrRequestFinished    = errors.New("request: already finished")
	ErrRequestNotFinished = errors.New("request: still running")
	ErrStageNotFound      = errors.New("request: stage not found")
	ErrTaskNotFound       = errors.New("request: task not found")
	ErrInvalidResolution  = errors.New("request: invalid holding resolution")
	ErrNothingToRetry     = errors.New("request: no failed commands to retry")
)

// Host errors
var (
	ErrHostNotFound      = errors.New("host: not found")
	ErrHostInvalidInput  = errors.New("host: invalid input")
	ErrHostUnavailable   = errors.New("host: not available for dispatch")
	ErrComponentNotFound = errors.New("host: component not found")
)

// Service command errors
var (
	ErrServiceInvalidInput = errors.New("service: invalid input")
	ErrUnsupportedCommand  = errors.New("service: unsupported command")
)

// Kerberos errors
var (
	ErrKerberosInvalidInput = errors.New("kerberos: invalid input")
	ErrMissingCredential    = errors.New("kerberos: missing KDC administrator credential")
	ErrKeytabNotFound       = errors.New("kerberos: keytab not found")
)

// Encryption errors
var (
	ErrEncryptionFailed = errors.New("encryption: failed to encrypt data")
	ErrDecryptionFailed = errors.New("encryption: failed to decrypt data")
)

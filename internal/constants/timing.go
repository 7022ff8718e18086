package constants

import "time"

// Requeue intervals used by the controller.
const (
	RequeueShort    = 5 * time.Second
	RequeueStandard = 1 * time.Minute

	RequeueSafetyNetBase   = 20 * time.Minute
	RequeueSafetyNetJitter = 5 * time.Minute
)

// Timeouts for calls against the store and the certificate provider. Exceeding
// a timeout is a transient failure, never fatal.
const (
	StoreCallTimeout    = 10 * time.Second
	ProviderCallTimeout = 30 * time.Second
)

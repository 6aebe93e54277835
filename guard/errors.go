package guard

import "fmt"

// Startup failures are split into distinct, inspectable categories: a state
// db that belongs to a different deployment is not the same problem as a
// service that was never registered with the monitoring contract, and the
// operator fix differs.

// StoreMismatchError reports a persisted service identity that does not match
// the current configuration and key material. Not recoverable: the state db
// belongs to another chain, contract or key.
type StoreMismatchError struct {
	Field  string
	Stored string
	Actual string
}

func (e *StoreMismatchError) Error() string {
	return fmt.Sprintf("state db mismatch: %s is %s, configuration says %s", e.Field, e.Stored, e.Actual)
}

// NotRegisteredError reports a service address unknown to the monitoring
// contract.
type NotRegisteredError struct {
	Service  string
	Contract string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("monitoring service %s is not registered in the monitoring smart contract (%s)", e.Service, e.Contract)
}

// BadKeyError reports key material that does not yield a usable signing
// address.
type BadKeyError struct {
	Reason string
}

func (e *BadKeyError) Error() string {
	return fmt.Sprintf("invalid private key: %s", e.Reason)
}

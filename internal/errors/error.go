package errors

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownBucket     = errors.New("unknown bucket")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrUnknownRule       = errors.New("unknown rule")
	ErrUnknownType       = errors.New("unknown bucket type")
	ErrNoCandidates      = errors.New("bucket has no candidates")
	ErrRuleTooDeep       = errors.New("rule descended past the maximum hierarchy depth")
	ErrMalformedTopology = errors.New("malformed topology")
	ErrInvalidEdit       = errors.New("invalid topology edit")
	ErrUnknownEpoch      = errors.New("unknown epoch")
	ErrStaleEpoch        = errors.New("epoch is not newer than the current one")
	ErrUnknownProfile    = errors.New("unknown tunable profile")
	ErrChecksumMismatch  = errors.New("snapshot checksum mismatch")
	ErrInvalidPool       = errors.New("invalid pool definition")
	ErrNotFound          = errors.New("not found")
)

// UnknownBucketError wraps ErrUnknownBucket with the offending id.
func UnknownBucketError(id int32) error {
	return fmt.Errorf("%w: %d", ErrUnknownBucket, id)
}

// UnknownDeviceError wraps ErrUnknownDevice with the offending id.
func UnknownDeviceError(id int32) error {
	return fmt.Errorf("%w: %d", ErrUnknownDevice, id)
}

// UnknownRuleError wraps ErrUnknownRule with the offending id or name.
func UnknownRuleError(rule any) error {
	return fmt.Errorf("%w: %v", ErrUnknownRule, rule)
}

func MalformedError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedTopology, fmt.Sprintf(format, args...))
}

func InvalidEditError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEdit, fmt.Sprintf(format, args...))
}

// ConfigNotSetError generates an error for a configuration key that must be set.
func ConfigNotSetError(config string) error {
	return fmt.Errorf("the %s configuration value must be set", config)
}

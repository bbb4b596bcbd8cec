package cache

import "fmt"

// CapacityError is returned by Put for an entry larger than the whole cache.
type CapacityError struct {
	Key      string
	Size     int64
	Capacity int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("cache entry %q of %d bytes exceeds capacity %d", e.Key, e.Size, e.Capacity)
}

// SizeError is returned by Put for a value EstimateSize cannot measure.
// Supply WithSize for such values.
type SizeError struct {
	Key string
	Err error
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("cache entry %q: cannot estimate size: %v", e.Key, e.Err)
}

func (e *SizeError) Unwrap() error {
	return e.Err
}

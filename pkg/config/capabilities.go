package config

import (
	"fmt"
	"sync"
)

// Capability is a bitmap representing a set of call permissions granted to a
// user. A user's JWT carries capability names; they are compiled to a bitmap
// once at connection time.
type Capability uint64

const (
	CapCallAudio Capability = 1 << iota
	CapCallVideo
)

var BuiltInCaps = map[string]Capability{
	"call:audio": CapCallAudio,
	"call:video": CapCallVideo,
}

func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

var (
	capRegistry = make(map[string]Capability)
	nextCapBit  uint = 2
	capOnce     sync.Once
	capMu       sync.RWMutex
)

func init() {
	capOnce.Do(func() {
		for name, c := range BuiltInCaps {
			capRegistry[name] = c
		}
	})
}

// RegisterCapability adds a deployment-defined capability name to the
// registry so tokens may reference it.
func RegisterCapability(name string) error {
	capMu.Lock()
	defer capMu.Unlock()

	if _, exists := BuiltInCaps[name]; exists {
		return fmt.Errorf("'%s' is reserved for a built-in capability", name)
	}
	if _, exists := capRegistry[name]; exists {
		return fmt.Errorf("capability '%s' is already registered", name)
	}
	if nextCapBit >= 64 {
		return fmt.Errorf("cannot register capability '%s': maximum of 64 capabilities reached", name)
	}

	capRegistry[name] = Capability(1 << nextCapBit)
	nextCapBit++
	return nil
}

// CompileCapabilities takes a slice of capability names and returns a
// combined bitmap. Unknown names are an error so a stale token cannot
// silently lose grants.
func CompileCapabilities(names []string) (Capability, error) {
	capMu.RLock()
	defer capMu.RUnlock()

	var bitmap Capability
	for _, name := range names {
		value, ok := capRegistry[name]
		if !ok {
			return 0, fmt.Errorf("capability '%s' not found", name)
		}
		bitmap |= value
	}
	return bitmap, nil
}

// RegisteredCapabilities returns a copy of the registry for inspection.
func RegisteredCapabilities() map[string]Capability {
	capMu.RLock()
	defer capMu.RUnlock()

	regCopy := make(map[string]Capability, len(capRegistry))
	for k, v := range capRegistry {
		regCopy[k] = v
	}
	return regCopy
}

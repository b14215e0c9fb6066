package wire

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MaxClientNameLength is the longest client_name accepted in a
// correlation ID. Counters are appended as "_<n>", so the channel
// grammar's length ceiling is enforced by keeping this short.
const MaxClientNameLength = 16

// ValidateClientName rejects names over MaxClientNameLength. An empty
// name is valid — callers auto-generate one in that case.
func ValidateClientName(name string) error {
	if len(name) > MaxClientNameLength {
		return fmt.Errorf("client name must be %d characters or less, got %d", MaxClientNameLength, len(name))
	}
	return nil
}

// RandomClientName generates a short auto-assigned client name of the
// form "<prefix>_<5-hex>", e.g. "cli_a3f09" or "act_1b2c4".
func RandomClientName(prefix string) string {
	id := uuid.New().String()
	// Strip hyphens so the first 5 characters are hex digits, not a
	// truncated UUID string with a hyphen in it.
	hex := ""
	for _, r := range id {
		if r != '-' {
			hex += string(r)
		}
		if len(hex) == 5 {
			break
		}
	}
	return prefix + "_" + hex
}

// IDAllocator issues unique, monotonically increasing correlation IDs
// for one endpoint: "<client_name>_<counter>", counter starting at 1.
// Safe for concurrent use by multiple goroutines issuing calls/goals
// from the same client.
type IDAllocator struct {
	mu         sync.Mutex
	clientName string
	counter    uint64
}

// NewIDAllocator validates clientName and returns an allocator seeded
// at counter 0 (the first call to Next returns counter 1).
func NewIDAllocator(clientName string) (*IDAllocator, error) {
	if err := ValidateClientName(clientName); err != nil {
		return nil, err
	}
	return &IDAllocator{clientName: clientName}, nil
}

// Next returns the next correlation ID for this allocator.
func (a *IDAllocator) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	return a.clientName + "_" + strconv.FormatUint(a.counter, 10)
}

// ClientName returns the name this allocator was constructed with.
func (a *IDAllocator) ClientName() string {
	return a.clientName
}

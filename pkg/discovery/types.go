package discovery

import (
	"errors"
	"slices"
	"time"
)

// Service constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of the manager.
	ServiceType = "_fleetwire._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default manager port.
	DefaultPort = 7400
)

// TXT record keys.
const (
	TXTKeyManagerID   = "id"
	TXTKeyVersion     = "ver"
	TXTKeyDataCenters = "dc"
	TXTKeyAuth        = "auth"
)

// Limits and timing.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTRecordSize is the maximum total TXT record size.
	MaxTXTRecordSize = 400

	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrTXTTooLarge         = errors.New("TXT records exceed size limit")
	ErrNotAdvertising      = errors.New("not advertising")
	ErrNotFound            = errors.New("manager not found")
)

// ManagerInfo is what the manager advertises.
type ManagerInfo struct {
	// InstanceName is the DNS-SD instance name. Defaults to the manager id.
	InstanceName string

	ManagerID    string
	Version      uint16
	DataCenters  []string
	AuthRequired bool
	Port         uint16
}

// ManagerService is a manager found by browsing.
type ManagerService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string

	ManagerID    string
	Version      uint16
	DataCenters  []string
	AuthRequired bool
}

// Serves reports whether the manager accepts hosts of dataCenterID. A
// manager advertising no data centers serves all of them.
func (s *ManagerService) Serves(dataCenterID string) bool {
	return len(s.DataCenters) == 0 || slices.Contains(s.DataCenters, dataCenterID)
}

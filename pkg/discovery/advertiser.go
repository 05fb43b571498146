package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Advertiser publishes the manager service.
type Advertiser interface {
	// Advertise starts advertising info, replacing any earlier registration.
	Advertise(info *ManagerInfo) error

	// Update replaces the TXT records of the running advertisement.
	Update(info *ManagerInfo) error

	// Stop withdraws the advertisement.
	Stop()
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: 120 * time.Second}
}

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
	info   ManagerInfo
}

// NewMDNSAdvertiser creates an advertiser. A nil logger disables logging.
func NewMDNSAdvertiser(config AdvertiserConfig, logger *slog.Logger) *MDNSAdvertiser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MDNSAdvertiser{config: config, logger: logger}
}

// interfaces returns the configured interface, or nil for all of them.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// prepare validates info and returns the instance name and TXT strings.
func prepare(info *ManagerInfo) (string, []string, error) {
	instance := info.InstanceName
	if instance == "" {
		instance = info.ManagerID
	}
	if err := ValidateInstanceName(instance); err != nil {
		return "", nil, err
	}
	txt := EncodeManagerTXT(info)
	if err := ValidateTXT(txt); err != nil {
		return "", nil, err
	}
	return instance, TXTRecordsToStrings(txt), nil
}

// Advertise registers the manager service.
func (a *MDNSAdvertiser) Advertise(info *ManagerInfo) error {
	instance, txt, err := prepare(info)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	port := int(info.Port)
	if port == 0 {
		port = DefaultPort
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		txt,
		interfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("register manager service: %w", err)
	}

	a.server = server
	a.info = *info
	a.logger.Info("advertising manager", "instance", instance, "port", port)
	return nil
}

// Update replaces the TXT records of the running advertisement.
func (a *MDNSAdvertiser) Update(info *ManagerInfo) error {
	_, txt, err := prepare(info)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotAdvertising
	}
	a.server.SetText(txt)
	a.info = *info
	return nil
}

// Advertised returns the current advertisement.
func (a *MDNSAdvertiser) Advertised() (ManagerInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info, a.server != nil
}

// Stop withdraws the advertisement.
func (a *MDNSAdvertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("stopped advertising manager")
	}
}

var _ Advertiser = (*MDNSAdvertiser)(nil)

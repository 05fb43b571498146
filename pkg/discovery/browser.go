package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Browser finds managers.
type Browser interface {
	// Browse streams managers as they appear. The channel closes when ctx
	// is done.
	Browse(ctx context.Context) (<-chan *ManagerService, error)

	// Find returns the first manager serving dataCenterID. An empty id
	// matches any manager.
	Find(ctx context.Context, dataCenterID string) (*ManagerService, error)

	// Stop stops all active browsing.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Timeout bounds Find when ctx has no deadline.
	// Default: 10 seconds.
	Timeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{Timeout: BrowseTimeout}
}

// MDNSBrowser implements Browser using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// NewMDNSBrowser creates a browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.Timeout <= 0 {
		config.Timeout = BrowseTimeout
	}
	return &MDNSBrowser{config: config}
}

// Browse streams managers. Entries seen on several interfaces are merged
// into one service; a service whose addresses all disappear is forgotten
// and reported again if it comes back.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *ManagerService, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	out := make(chan *ManagerService)

	go aggregate(ctx, entries, removed, out)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	return out, nil
}

// Find returns the first manager serving dataCenterID.
func (b *MDNSBrowser) Find(ctx context.Context, dataCenterID string) (*ManagerService, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	return first(ctx, found, dataCenterID)
}

// Stop cancels every running browse.
func (b *MDNSBrowser) Stop() {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// first returns the first service on found that serves dataCenterID.
func first(ctx context.Context, found <-chan *ManagerService, dataCenterID string) (*ManagerService, error) {
	for {
		select {
		case svc, ok := <-found:
			if !ok {
				return nil, fmt.Errorf("%w: data center %q", ErrNotFound, dataCenterID)
			}
			if dataCenterID == "" || svc.Serves(dataCenterID) {
				return svc, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: data center %q: %w", ErrNotFound, dataCenterID, ctx.Err())
		}
	}
}

// aggregate merges zeroconf entries by instance name and emits each new
// service once. It closes out when ctx is done or entries closes.
func aggregate(ctx context.Context, entries, removed <-chan *zeroconf.ServiceEntry, out chan<- *ManagerService) {
	defer close(out)

	services := make(map[string]*ManagerService)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			svc := entryToService(entry)
			if svc == nil {
				continue
			}
			if existing, found := services[svc.InstanceName]; found {
				existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				continue
			}
			services[svc.InstanceName] = svc
			emitted := *svc
			emitted.Addresses = slices.Clone(svc.Addresses)
			select {
			case out <- &emitted:
			case <-ctx.Done():
				return
			}

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if existing, found := services[entry.Instance]; found {
				existing.Addresses = removeAddresses(existing.Addresses, entry)
				if len(existing.Addresses) == 0 {
					delete(services, entry.Instance)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// entryToService converts a zeroconf entry. Entries with invalid TXT
// records are ignored.
func entryToService(entry *zeroconf.ServiceEntry) *ManagerService {
	info, err := DecodeManagerTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return nil
	}
	return &ManagerService{
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Port:         uint16(entry.Port),
		Addresses:    entryAddresses(entry),
		ManagerID:    info.ManagerID,
		Version:      info.Version,
		DataCenters:  info.DataCenters,
		AuthRequired: info.AuthRequired,
	}
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return addrs
}

// mergeAddresses adds new addresses to existing, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	for _, addr := range added {
		if !slices.Contains(existing, addr) {
			existing = append(existing, addr)
		}
	}
	return existing
}

// removeAddresses drops the addresses of entry from addresses.
func removeAddresses(addresses []string, entry *zeroconf.ServiceEntry) []string {
	gone := entryAddresses(entry)
	return slices.DeleteFunc(addresses, func(addr string) bool {
		return slices.Contains(gone, addr)
	})
}

// Dial returns the host:port an agent should connect to. IPv4 addresses
// are preferred over IPv6; with no address the advertised host name is
// used.
func (s *ManagerService) Dial() string {
	port := fmt.Sprint(s.Port)
	for _, addr := range s.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(addr, port)
		}
	}
	if len(s.Addresses) > 0 {
		return net.JoinHostPort(s.Addresses[0], port)
	}
	return net.JoinHostPort(s.Host, port)
}

var _ Browser = (*MDNSBrowser)(nil)

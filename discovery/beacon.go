package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"duet/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_duet._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background presence scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultMissedScans is how many empty scans mark a client offline.
	DefaultMissedScans = 2

	txtClientID = "client_id"
	txtIdentity = "identity"
	txtVersion  = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the presence beacon and watcher.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	MissedScans     int

	ClientID     string
	Identity     models.Identity
	InstanceName string
	Port         int

	Logger *zerolog.Logger
	Now    func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.MissedScans <= 0 {
		out.MissedScans = DefaultMissedScans
	}
	if out.InstanceName == "" {
		out.InstanceName = "duet-" + string(out.Identity) + "-" + shortID(out.ClientID)
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) logger(component string) zerolog.Logger {
	log := zerolog.Nop()
	if c.Logger != nil {
		log = *c.Logger
	}
	return log.With().Str("component", component).Logger()
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client ID is required")
	}
	if !c.Identity.Valid() {
		return fmt.Errorf("%w: unknown identity %q", models.ErrValidation, c.Identity)
	}
	return nil
}

func (c Config) txt() []string {
	return []string{
		txtClientID + "=" + c.ClientID,
		txtIdentity + "=" + string(c.Identity),
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
}

// Beacon advertises this client on the local network.
type Beacon struct {
	server *zeroconf.Server
}

// StartBeacon registers the presence record.
func StartBeacon(config Config) (*Beacon, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Port <= 0 {
		return nil, errors.New("advertised port must be > 0")
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, cfg.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: register mDNS service: %w", models.ErrNetwork, err)
	}
	log := cfg.logger("discovery")
	log.Info().Str("instance", cfg.InstanceName).Int("port", cfg.Port).Msg("Presence beacon started")
	return &Beacon{server: server}, nil
}

// Stop withdraws the presence record.
func (b *Beacon) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service runs a beacon and a watcher from one config.
type Service struct {
	Beacon  *Beacon
	Watcher *Watcher
}

// Start starts the beacon and the watcher.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	beacon, err := StartBeacon(cfg)
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(cfg)
	if err != nil {
		beacon.Stop()
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		beacon.Stop()
		return nil, err
	}

	return &Service{Beacon: beacon, Watcher: watcher}, nil
}

// Stop stops the watcher and the beacon.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Watcher != nil {
		s.Watcher.Stop()
	}
	if s.Beacon != nil {
		s.Beacon.Stop()
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(strings.TrimSpace(id), "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"

	"example.com/ntp-sync/base/timemath"
)

const (
	TransportUDP  = "udp"
	TransportSNTP = "sntp"

	// MaxDSCP bounds the Differentiated Services Codepoint used by senders of
	// time synchronization packets.
	MaxDSCP = 63

	defaultExchangeTimeout = 500 * time.Millisecond
	defaultStartupTimeout  = 5 * time.Second
	defaultMinPoll         = 1 * time.Second
	defaultMaxDelay        = 1 * time.Second
	defaultFilterSize      = 8
	defaultFilterPick      = 1
	defaultMaxRejections   = 4
	defaultStatsPeriod     = 10 * time.Second
	defaultSkipThreshold   = 500 * time.Microsecond
)

// File is the TOML representation of the service configuration. Durations
// are given in milliseconds.
type File struct {
	PeerAddr          string  `toml:"peer_address,omitempty"`
	Transport         string  `toml:"transport,omitempty"`
	MaxOffsetMillis   float64 `toml:"max_offset_ms,omitempty"`
	SyncPeriodMillis  float64 `toml:"sync_period_ms,omitempty"`
	ExchangeTimeoutMs float64 `toml:"exchange_timeout_ms,omitempty"`
	StartupTimeoutMs  float64 `toml:"startup_timeout_ms,omitempty"`
	MinPollMillis     float64 `toml:"min_poll_ms,omitempty"`
	MaxDelayMillis    float64 `toml:"max_delay_ms,omitempty"`
	FilterSize        int     `toml:"filter_size,omitempty"`
	FilterPick        int     `toml:"filter_pick,omitempty"`
	MaxRejections     int     `toml:"max_rejections,omitempty"`
	DSCP              uint8   `toml:"dscp,omitempty"`
	LocalAddr         string  `toml:"local_address,omitempty"`
	MetricsAddr       string  `toml:"metrics_address,omitempty"`
	StatsPeriodMillis float64 `toml:"stats_period_ms,omitempty"`
	SkipThresholdMs   float64 `toml:"skip_threshold_ms,omitempty"`
}

// Load reads and decodes the configuration file at path. Unknown keys are
// rejected.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Decode(raw)
}

func Decode(raw []byte) (File, error) {
	var f File
	err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&f)
	if err != nil {
		return File{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return f, nil
}

func fromMillis(ms float64, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return timemath.FromMillis(ms)
}

// Sync converts the file into engine parameters, filling in defaults for
// absent keys. The result still needs to be validated.
func (f File) Sync() Sync {
	s := NewSync(f.PeerAddr, timemath.FromMillis(f.MaxOffsetMillis),
		timemath.FromMillis(f.SyncPeriodMillis))
	if f.Transport != "" {
		s.Transport = f.Transport
	}
	s.ExchangeTimeout = fromMillis(f.ExchangeTimeoutMs, s.ExchangeTimeout)
	s.StartupTimeout = fromMillis(f.StartupTimeoutMs, s.StartupTimeout)
	s.MinPoll = fromMillis(f.MinPollMillis, s.MinPoll)
	s.MaxDelay = fromMillis(f.MaxDelayMillis, s.MaxDelay)
	if f.FilterSize != 0 {
		s.FilterSize = f.FilterSize
	}
	if f.FilterPick != 0 {
		s.FilterPick = f.FilterPick
	}
	if f.MaxRejections != 0 {
		s.MaxRejections = f.MaxRejections
	}
	s.DSCP = f.DSCP
	s.LocalAddr = f.LocalAddr
	return s
}

func (f File) StatsPeriod() time.Duration {
	return fromMillis(f.StatsPeriodMillis, defaultStatsPeriod)
}

func (f File) SkipThreshold() time.Duration {
	return fromMillis(f.SkipThresholdMs, defaultSkipThreshold)
}

// Sync holds the validated parameters of one synchronization engine.
type Sync struct {
	PeerAddr  string
	Transport string
	// MaxOffset is the tolerance between consecutive offset estimates.
	// Larger jumps are treated as divergence.
	MaxOffset  time.Duration
	SyncPeriod time.Duration

	ExchangeTimeout time.Duration
	StartupTimeout  time.Duration
	// MinPoll is the initial cycle interval; it grows to SyncPeriod.
	MinPoll  time.Duration
	MaxDelay time.Duration

	FilterSize    int
	FilterPick    int
	MaxRejections int
	DSCP          uint8
	// LocalAddr is the IP address the client socket is bound to. Empty
	// leaves the choice to the system.
	LocalAddr string
}

// NewSync returns engine parameters for peer with default values for
// everything but the offset tolerance and sync period.
func NewSync(peer string, maxOffset, syncPeriod time.Duration) Sync {
	return Sync{
		PeerAddr:        peer,
		Transport:       TransportUDP,
		MaxOffset:       maxOffset,
		SyncPeriod:      syncPeriod,
		ExchangeTimeout: defaultExchangeTimeout,
		StartupTimeout:  defaultStartupTimeout,
		MinPoll:         min(defaultMinPoll, max(syncPeriod, 0)),
		MaxDelay:        defaultMaxDelay,
		FilterSize:      defaultFilterSize,
		FilterPick:      defaultFilterPick,
		MaxRejections:   defaultMaxRejections,
	}
}

// Validate reports all constraints violated by s.
func (s Sync) Validate() error {
	var result *multierror.Error
	if s.PeerAddr == "" {
		result = multierror.Append(result, errors.New("peer address must not be empty"))
	}
	if s.Transport != TransportUDP && s.Transport != TransportSNTP {
		result = multierror.Append(result, fmt.Errorf("unknown transport %q", s.Transport))
	}
	if s.MaxOffset <= 0 {
		result = multierror.Append(result, fmt.Errorf("max offset must be positive, got %v", s.MaxOffset))
	}
	if s.SyncPeriod <= 0 {
		result = multierror.Append(result, fmt.Errorf("sync period must be positive, got %v", s.SyncPeriod))
	}
	if s.ExchangeTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("exchange timeout must be positive, got %v", s.ExchangeTimeout))
	}
	if s.StartupTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("startup timeout must be positive, got %v", s.StartupTimeout))
	}
	if s.MinPoll <= 0 || s.MinPoll > s.SyncPeriod {
		result = multierror.Append(result, fmt.Errorf("min poll must be in (0, %v], got %v", s.SyncPeriod, s.MinPoll))
	}
	if s.MaxDelay <= 0 {
		result = multierror.Append(result, fmt.Errorf("max delay must be positive, got %v", s.MaxDelay))
	}
	if s.FilterSize < 1 {
		result = multierror.Append(result, fmt.Errorf("filter size must be at least 1, got %d", s.FilterSize))
	} else if s.FilterPick < 1 || s.FilterPick > s.FilterSize {
		result = multierror.Append(result, fmt.Errorf("filter pick must be in [1, %d], got %d", s.FilterSize, s.FilterPick))
	}
	if s.MaxRejections < 1 {
		result = multierror.Append(result, fmt.Errorf("max rejections must be at least 1, got %d", s.MaxRejections))
	}
	if s.DSCP > MaxDSCP {
		result = multierror.Append(result, fmt.Errorf("dscp must be in [0, %d], got %d", MaxDSCP, s.DSCP))
	}
	if s.LocalAddr != "" {
		if _, err := netip.ParseAddr(s.LocalAddr); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid local address: %w", err))
		}
	}
	return result.ErrorOrNil()
}

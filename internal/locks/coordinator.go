package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
)

// Mode selects how edits are coordinated.
type Mode string

const (
	// ModeLease enforces exclusive edits through the lease store.
	ModeLease Mode = "lease"
	// ModePresence only advertises edits; nothing stops two clients editing one record.
	ModePresence Mode = "presence"
	// ModeDisabled applies when no remote store is configured: every record is free.
	ModeDisabled Mode = "disabled"
)

// DefaultRefreshInterval is the cadence of the lease snapshot refresh.
const DefaultRefreshInterval = 20 * time.Second

// State is the per-record lock state.
type State string

const (
	StateFree      State = "free"
	StateAcquiring State = "acquiring"
	StateHeld      State = "held"
)

var (
	// ErrNoStation indicates that Open was called before a station was selected.
	ErrNoStation = errors.New("locks: no active station")
	// ErrBusy indicates that an acquire for the record is already in flight.
	ErrBusy = errors.New("locks: acquire already in progress")
	// ErrMissingStore indicates lease mode without a lease store.
	ErrMissingStore = errors.New("locks: lease store required")
)

// Presence is the subset of the presence tracker used by the coordinator.
type Presence interface {
	Publish(ctx context.Context, recordID stations.RecordID) error
	Editors() map[stations.RecordID][]presence.Claim
}

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Mode            Mode
	Store           leases.Store
	Presence        Presence
	Holder          leases.Holder
	Timing          leases.Timing
	RefreshInterval time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Coordinator runs the acquire / renew / release lifecycle for the active station.
type Coordinator struct {
	mode            Mode
	store           leases.Store
	presence        Presence
	holder          leases.Holder
	timing          leases.Timing
	refreshInterval time.Duration
	clock           func() time.Time
	logger          *zap.Logger
	alerts          chan string

	mu       sync.Mutex
	station  stations.Station
	states   map[stations.RecordID]State
	handles  map[stations.RecordID]*Handle
	snapshot []leases.Lease
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeLease
	}
	switch mode {
	case ModeLease:
		if cfg.Store == nil {
			return nil, ErrMissingStore
		}
	case ModePresence, ModeDisabled:
	default:
		return nil, fmt.Errorf("locks: unknown mode %q", mode)
	}
	timing := cfg.Timing
	if timing == (leases.Timing{}) {
		timing = leases.DefaultTiming()
	}
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	if mode == ModeLease {
		if err := cfg.Holder.Validate(); err != nil {
			return nil, err
		}
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		mode:            mode,
		store:           cfg.Store,
		presence:        cfg.Presence,
		holder:          cfg.Holder,
		timing:          timing,
		refreshInterval: refresh,
		clock:           clock,
		logger:          logger,
		alerts:          make(chan string, 8),
		states:          make(map[stations.RecordID]State),
		handles:         make(map[stations.RecordID]*Handle),
	}, nil
}

// Mode returns the active coordination mode.
func (c *Coordinator) Mode() Mode {
	return c.mode
}

// Alerts delivers user-facing contention messages such as "X が編集中です。".
func (c *Coordinator) Alerts() <-chan string {
	return c.alerts
}

// SetStation switches the active station. Open handles must be closed by their owners.
func (c *Coordinator) SetStation(station stations.Station) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.station == station {
		return
	}
	c.station = station
	c.states = make(map[stations.RecordID]State)
	c.snapshot = nil
}

// Station returns the active station.
func (c *Coordinator) Station() stations.Station {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.station
}

// State reports the local lock state of a record.
func (c *Coordinator) State(recordID stations.RecordID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[recordID]; ok {
		return state
	}
	return StateFree
}

// Open starts an edit. In lease mode the lease is acquired first and renewed until the
// returned handle is closed. A rejection is reported on Alerts and returned as
// *leases.HeldError.
func (c *Coordinator) Open(ctx context.Context, recordID stations.RecordID) (*Handle, error) {
	c.mu.Lock()
	station := c.station
	if station == "" {
		c.mu.Unlock()
		return nil, ErrNoStation
	}
	if existing := c.handles[recordID]; existing != nil {
		c.mu.Unlock()
		return existing, nil
	}
	if c.states[recordID] == StateAcquiring {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.states[recordID] = StateAcquiring
	c.mu.Unlock()

	var lease leases.Lease
	if c.mode == ModeLease {
		acquired, err := c.store.Acquire(ctx, station, recordID, c.holder)
		if err != nil {
			c.setState(station, recordID, StateFree)
			var heldErr *leases.HeldError
			if errors.As(err, &heldErr) {
				c.alert(HolderMessage(heldErr.Current))
				c.logger.Info("lease rejected",
					zap.String("station", station.String()),
					zap.String("record_id", recordID.String()),
					zap.String("holder", heldErr.Current.HolderName))
			} else {
				c.logger.Warn("lease acquire failed",
					zap.String("station", station.String()),
					zap.String("record_id", recordID.String()),
					zap.Error(err))
			}
			return nil, err
		}
		lease = acquired
	}

	handle := &Handle{
		coordinator: c,
		station:     station,
		recordID:    recordID,
		lease:       lease,
		done:        make(chan struct{}),
	}
	renewCtx, cancel := context.WithCancel(context.Background())
	handle.cancel = cancel
	if c.mode == ModeLease {
		go handle.renewLoop(renewCtx)
	} else {
		close(handle.done)
	}

	c.mu.Lock()
	if c.station != station {
		c.mu.Unlock()
		_ = handle.Close(ctx)
		return nil, ErrNoStation
	}
	c.handles[recordID] = handle
	c.states[recordID] = StateHeld
	c.mu.Unlock()

	c.logger.Info("edit opened",
		zap.String("mode", string(c.mode)),
		zap.String("station", station.String()),
		zap.String("record_id", recordID.String()))
	c.publish(ctx, recordID)
	return handle, nil
}

// CloseAll closes every open handle.
func (c *Coordinator) CloseAll(ctx context.Context) {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, handle := range c.handles {
		handles = append(handles, handle)
	}
	c.mu.Unlock()
	for _, handle := range handles {
		if err := handle.Close(ctx); err != nil {
			c.logger.Warn("edit close failed", zap.String("record_id", handle.recordID.String()), zap.Error(err))
		}
	}
}

// RefreshLeases reloads the active leases of the station from the store.
func (c *Coordinator) RefreshLeases(ctx context.Context) error {
	if c.mode != ModeLease {
		return nil
	}
	station := c.Station()
	if station == "" {
		return nil
	}
	current, err := c.store.List(ctx, station)
	if err != nil {
		c.logger.Warn("lease refresh failed", zap.String("station", station.String()), zap.Error(err))
		return err
	}
	c.mu.Lock()
	if c.station == station {
		c.snapshot = current
	}
	c.mu.Unlock()
	return nil
}

// Run refreshes the lease snapshot until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	if c.mode != ModeLease {
		<-ctx.Done()
		return
	}
	_ = c.RefreshLeases(ctx)
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.RefreshLeases(ctx)
		}
	}
}

// Indicator is the per-record status shown next to a record.
type Indicator struct {
	RecordID stations.RecordID
	Editors  []string
	// Enforced is true when an active lease of another client blocks editing.
	Enforced bool
	Mine     bool
}

// Indicators reconciles leases and presence claims into one indicator per record.
func (c *Coordinator) Indicators() []Indicator {
	now := c.clock()
	byRecord := make(map[stations.RecordID]*Indicator)
	get := func(recordID stations.RecordID) *Indicator {
		indicator := byRecord[recordID]
		if indicator == nil {
			indicator = &Indicator{RecordID: recordID}
			byRecord[recordID] = indicator
		}
		return indicator
	}

	c.mu.Lock()
	for recordID := range c.handles {
		get(recordID).Mine = true
	}
	if c.mode == ModeLease {
		for _, lease := range c.snapshot {
			if !lease.Active(now) || lease.HeldBy(c.holder.ID) {
				continue
			}
			indicator := get(lease.RecordID)
			indicator.Enforced = true
			indicator.Editors = appendUnique(indicator.Editors, displayName(lease.HolderName, lease.HolderID))
		}
	}
	c.mu.Unlock()

	if c.mode != ModeDisabled && c.presence != nil {
		for recordID, claims := range c.presence.Editors() {
			indicator := get(recordID)
			for _, claim := range claims {
				indicator.Editors = appendUnique(indicator.Editors, displayName(claim.DisplayName, claim.UserID))
			}
		}
	}

	indicators := make([]Indicator, 0, len(byRecord))
	for _, indicator := range byRecord {
		sort.Strings(indicator.Editors)
		indicators = append(indicators, *indicator)
	}
	sort.Slice(indicators, func(i, j int) bool { return indicators[i].RecordID < indicators[j].RecordID })
	return indicators
}

// HolderMessage renders the contention alert for a lease.
func HolderMessage(lease leases.Lease) string {
	return fmt.Sprintf("%s が編集中です。", displayName(lease.HolderName, lease.HolderID))
}

func (c *Coordinator) setState(station stations.Station, recordID stations.RecordID, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.station != station {
		return
	}
	if state == StateFree {
		delete(c.states, recordID)
		return
	}
	c.states[recordID] = state
}

func (c *Coordinator) publish(ctx context.Context, recordID stations.RecordID) {
	if c.presence == nil || c.mode == ModeDisabled {
		return
	}
	if err := c.presence.Publish(ctx, recordID); err != nil {
		c.logger.Debug("presence publish after lock change failed", zap.Error(err))
	}
}

func (c *Coordinator) alert(message string) {
	select {
	case c.alerts <- message:
	default:
		c.logger.Warn("alert dropped", zap.String("message", message))
	}
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	if fallback != "" {
		return fallback
	}
	return "別のユーザー"
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

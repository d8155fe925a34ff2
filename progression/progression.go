// Package progression assembles a ready-to-use engine.Service from options.
package progression

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	mem "github.com/CMDESIGN8/lupiback/adapters/memory"
	"github.com/CMDESIGN8/lupiback/config"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
	"github.com/CMDESIGN8/lupiback/realtime"
)

// Option configures the service builder.
type Option func(*options)

type options struct {
	storage    engine.Storage
	mode       engine.DispatchMode
	hub        *realtime.Hub
	curve      *core.LevelCurve
	policy     core.RewardPolicy
	settlement engine.SettlementConfig
	service    engine.ServiceConfig
	logger     *slog.Logger
	clock      engine.Clock
	err        error
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(o *options) { o.storage = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(o *options) { o.mode = m } }

// WithRealtime forwards every engine event to the hub.
func WithRealtime(h *realtime.Hub) Option { return func(o *options) { o.hub = h } }

func WithCurve(c *core.LevelCurve) Option { return func(o *options) { o.curve = c } }

func WithPolicy(p core.RewardPolicy) Option { return func(o *options) { o.policy = p } }

func WithSettlementConfig(c engine.SettlementConfig) Option {
	return func(o *options) { o.settlement = c }
}

// WithServiceConfig replaces the starting balance, bot roster and match seed.
func WithServiceConfig(c engine.ServiceConfig) Option { return func(o *options) { o.service = c } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(c engine.Clock) Option { return func(o *options) { o.clock = c } }

// WithConfig applies a loaded progression config: curve, rewards, settlement
// options, dispatch mode, starting balance and match seed.
func WithConfig(p config.ProgressionConfig) Option {
	return func(o *options) {
		curve, err := p.Curve()
		if err != nil {
			o.err = fmt.Errorf("progression config: %w", err)
			return
		}
		o.curve = curve
		o.policy = p.RewardPolicy()
		o.settlement = engine.SettlementConfig{
			PointsPerLevel:  p.PointsPerLevel,
			StrictReplay:    p.StrictReplay,
			ReplayCacheSize: p.ReplayCacheSize,
		}
		if p.DispatchMode == "sync" {
			o.mode = engine.DispatchSync
		} else {
			o.mode = engine.DispatchAsync
		}
		o.service.StartingBalance = decimal.NewFromInt(p.StartingBalance)
		o.service.Seed = p.MatchSeed
	}
}

// New builds a configured Service. If not provided, defaults are used:
//   - storage: in-memory
//   - curve and rewards: core defaults
//   - dispatch: async
//   - starting balance: 100 coins
func New(opts ...Option) (*engine.Service, error) {
	o := &options{
		mode:       engine.DispatchAsync,
		curve:      core.DefaultLevelCurve(),
		policy:     core.DefaultRewardPolicy(),
		settlement: engine.SettlementConfig{PointsPerLevel: core.DefaultPointsPerLevel},
		service:    engine.ServiceConfig{StartingBalance: decimal.NewFromInt(100)},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if o.storage == nil {
		o.storage = mem.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	bus := engine.NewEventBus(o.mode, engine.WithBusLogger(o.logger))
	settlement, err := engine.NewSettlementEngine(o.storage, o.curve, o.policy, bus, o.settlement, o.logger, o.clock)
	if err != nil {
		bus.Close()
		return nil, err
	}
	missions := engine.NewMissionTracker(o.storage, settlement, bus, o.logger, o.clock)
	clubs := engine.NewClubAggregator(o.storage, bus, o.logger, o.clock)
	svc := engine.NewService(o.storage, bus, settlement, missions, clubs, o.service, o.logger)
	if o.hub != nil {
		o.hub.Bridge(svc)
	}
	return svc, nil
}

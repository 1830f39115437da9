package main

import (
	"context"
	"fmt"

	"github.com/skeinlabs/skein/pkg/agent"
	"github.com/skeinlabs/skein/pkg/billing"
	"github.com/skeinlabs/skein/pkg/broker"
	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/memory"
	"github.com/skeinlabs/skein/pkg/queue"
	"github.com/skeinlabs/skein/pkg/security"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/validation"
	"github.com/skeinlabs/skein/pkg/vector"
)

// stack is the shared wiring of one skein process: config, storage, bus,
// queue, and the services behind the handler runtime.
type stack struct {
	cfg        *config.Config
	store      storage.Store
	bus        *events.Bus
	queue      queue.TaskQueue
	security   *security.Service
	validation *validation.Service
	memory     *memory.Service
	billing    *billing.Service
	runtime    *agent.Runtime
}

// buildStack loads config, initializes logging, and wires every service.
// With cfg.Distributed the bus and queue are Redis-backed; otherwise both
// stay in-process.
func buildStack(configPath string) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	busOpts := []events.Option{events.WithMaxHistory(cfg.MaxEventHistory)}
	var q queue.TaskQueue
	if cfg.Distributed {
		ctx := context.Background()
		br, err := broker.NewRedisBroker(ctx, cfg.RedisURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("event broker: %w", err)
		}
		busOpts = append(busOpts, events.WithBroker(br))

		q, err = queue.NewRedisQueue(ctx, cfg.RedisURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("task queue: %w", err)
		}
	} else {
		q = queue.NewMemoryQueue(0)
	}

	bus := events.NewBus(busOpts...)
	bus.Start()

	sec := security.NewService(cfg.Security, bus)
	val := validation.NewService(cfg.Validation, bus)
	mem := memory.NewService(cfg.Memory, store, vector.NewInMemory(memory.EmbeddingDimension), bus)
	bill := billing.NewService(store)

	rt := agent.NewRuntime(bus, sec, agent.WithBiller(bill))
	rt.Register(security.NewHandler(sec))
	rt.Register(validation.NewHandler(val))
	rt.Register(memory.NewHandler(mem))

	return &stack{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		queue:      q,
		security:   sec,
		validation: val,
		memory:     mem,
		billing:    bill,
		runtime:    rt,
	}, nil
}

// Close releases the stack in reverse wiring order.
func (s *stack) Close() {
	s.bus.Stop()
	_ = s.queue.Close()
	_ = s.store.Close()
}

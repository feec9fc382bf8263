package audit

import (
	"context"
	"time"

	"github.com/kart-io/logger"
	"github.com/panjf2000/ants/v2"
)

// Dispatcher hands records to the sink off the request path. Audit
// writes must not fail a query: sink errors are retried once and then
// logged.
type Dispatcher struct {
	sink Sink
	pool *ants.Pool

	writeTimeout time.Duration
}

// DispatcherConfig configures the audit dispatcher.
type DispatcherConfig struct {
	// Workers bounds concurrent sink writes.
	Workers int `json:"workers" mapstructure:"workers"`
	// WriteTimeout bounds one sink write, including its retry.
	WriteTimeout time.Duration `json:"write-timeout" mapstructure:"write-timeout"`
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Workers:      4,
		WriteTimeout: 5 * time.Second,
	}
}

// NewDispatcher creates a dispatcher over a bounded worker pool.
func NewDispatcher(sink Sink, cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		sink:         sink,
		pool:         pool,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Dispatch queues the record for asynchronous persistence. When the
// pool cannot take the task the record is written synchronously so it
// is never dropped silently.
func (d *Dispatcher) Dispatch(record *Record) {
	err := d.pool.Submit(func() {
		d.write(record)
	})
	if err != nil {
		d.write(record)
	}
}

func (d *Dispatcher) write(record *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()

	err := d.sink.Write(ctx, record)
	if err == nil {
		return
	}

	// One retry, then give up loudly.
	if err = d.sink.Write(ctx, record); err != nil {
		logger.Errorw("audit record lost after retry",
			"request_id", record.RequestID,
			"outcome", string(record.Outcome),
			"error", err.Error(),
		)
	}
}

// Close releases the worker pool after letting queued writes drain.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

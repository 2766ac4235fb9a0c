package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const updateBufferSize = 512

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater keeps process counters in an expvar map and serves them on
// GET /debug/vars. Updates are applied by a single goroutine started by Run.
type StatsUpdater struct {
	log        zerolog.Logger
	vars       *expvar.Map
	updateChan chan metricsUpdateReq
	stop       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int64
}

func NewStatsUpdater(mux *http.ServeMux, logger zerolog.Logger) *StatsUpdater {
	su := &StatsUpdater{
		log:        logger.With().Str("component", "stats").Logger(),
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan metricsUpdateReq, updateBufferSize),
		stop:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(su.Snapshot()); err != nil {
		su.log.Error().Err(err).Msg("encode stats")
	}
}

// Snapshot returns the current value of every metric.
func (su *StatsUpdater) Snapshot() map[string]any {
	out := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		if err := json.Unmarshal([]byte(kv.Value.String()), &value); err != nil {
			value = kv.Value.String()
		}
		out[kv.Key] = value
	})

	return out
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			metric, ok := su.vars.Get(req.name).(*expvar.Int)
			if !ok {
				su.log.Error().Str("metric", req.name).Msg("unknown metric")
				continue
			}

			metric.Add(req.value)
		case <-su.stop:
			return
		}
	}
}

// Incr and Decr never block the caller; updates are dropped while the
// buffer is full.
func (su *StatsUpdater) Incr(name string) {
	su.enqueue(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.enqueue(name, -1)
}

func (su *StatsUpdater) enqueue(name string, value int64) {
	select {
	case su.updateChan <- metricsUpdateReq{name: name, value: value}:
	default:
		su.log.Warn().Str("metric", name).Msg("stats buffer full, dropping update")
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.stop) })
}

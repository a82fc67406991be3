package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine records. A nil *Metrics is
// valid and records nothing, which keeps unit tests free of registry setup.
type Metrics struct {
	PollCycles      *prometheus.CounterVec
	PollDuration    prometheus.Histogram
	GroupReads      *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	EquipmentWrites prometheus.Counter
	TagsSkipped     *prometheus.CounterVec

	CommandsDispatched *prometheus.CounterVec
	DispatchDuration   prometheus.Histogram
	ExecutorAttempts   *prometheus.CounterVec
	BreakerState       prometheus.Gauge

	TemperaturePolls   *prometheus.CounterVec
	TemperatureCelsius *prometheus.GaugeVec
}

// New builds the collectors and registers them on reg. Collectors that are
// already registered are reused. A nil reg selects the default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wcs_poll_cycles_total",
			Help: "Polling cycles by result",
		}, []string{"result"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wcs_poll_cycle_duration_seconds",
			Help:    "Duration of a complete polling cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
		}),
		GroupReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wcs_poll_group_reads_total",
			Help: "Batched field bus reads by data type and result",
		}, []string{"data_type", "result"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wcs_tag_decode_errors_total",
			Help: "Tags whose raw value could not be decoded",
		}, []string{"device"}),
		EquipmentWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wcs_equipment_writes_total",
			Help: "Equipment aggregates persisted after a state change",
		}),
		TagsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wcs_projector_tags_skipped_total",
			Help: "Tag values ignored by the projector by reason",
		}, []string{"reason"}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wcs_commands_dispatched_total",
			Help: "Commands processed by the dispatcher by outcome",
		}, []string{"outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wcs_command_dispatch_duration_seconds",
			Help:    "Time from Sent to a terminal command state",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
		}),
		ExecutorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wcs_executor_attempts_total",
			Help: "HTTP attempts made by the device command executor",
		}, []string{"result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wcs_executor_breaker_state",
			Help: "Executor circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		TemperaturePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wcs_temperature_polls_total",
			Help: "Temperature sensor polls by result",
		}, []string{"result"}),
		TemperatureCelsius: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wcs_temperature_celsius",
			Help: "Last temperature reported per sensor",
		}, []string{"sensor"}),
	}

	var err error
	if m.PollCycles, err = register(reg, m.PollCycles); err != nil {
		return nil, err
	}
	if m.PollDuration, err = register(reg, m.PollDuration); err != nil {
		return nil, err
	}
	if m.GroupReads, err = register(reg, m.GroupReads); err != nil {
		return nil, err
	}
	if m.DecodeErrors, err = register(reg, m.DecodeErrors); err != nil {
		return nil, err
	}
	if m.EquipmentWrites, err = register(reg, m.EquipmentWrites); err != nil {
		return nil, err
	}
	if m.TagsSkipped, err = register(reg, m.TagsSkipped); err != nil {
		return nil, err
	}
	if m.CommandsDispatched, err = register(reg, m.CommandsDispatched); err != nil {
		return nil, err
	}
	if m.DispatchDuration, err = register(reg, m.DispatchDuration); err != nil {
		return nil, err
	}
	if m.ExecutorAttempts, err = register(reg, m.ExecutorAttempts); err != nil {
		return nil, err
	}
	if m.BreakerState, err = register(reg, m.BreakerState); err != nil {
		return nil, err
	}
	if m.TemperaturePolls, err = register(reg, m.TemperaturePolls); err != nil {
		return nil, err
	}
	if m.TemperatureCelsius, err = register(reg, m.TemperatureCelsius); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) PollCycle(result string, seconds float64) {
	if m == nil {
		return
	}
	m.PollCycles.WithLabelValues(result).Inc()
	m.PollDuration.Observe(seconds)
}

func (m *Metrics) GroupRead(dataType, result string) {
	if m == nil {
		return
	}
	m.GroupReads.WithLabelValues(dataType, result).Inc()
}

func (m *Metrics) DecodeError(device string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(device).Inc()
}

func (m *Metrics) EquipmentWritten() {
	if m == nil {
		return
	}
	m.EquipmentWrites.Inc()
}

func (m *Metrics) TagSkipped(reason string) {
	if m == nil {
		return
	}
	m.TagsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CommandDispatched(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandsDispatched.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(seconds)
}

func (m *Metrics) ExecutorAttempt(result string) {
	if m == nil {
		return
	}
	m.ExecutorAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BreakerState.Set(state)
}

func (m *Metrics) TemperaturePoll(result string) {
	if m == nil {
		return
	}
	m.TemperaturePolls.WithLabelValues(result).Inc()
}

func (m *Metrics) TemperatureObserved(sensor string, value float64) {
	if m == nil {
		return
	}
	m.TemperatureCelsius.WithLabelValues(sensor).Set(value)
}

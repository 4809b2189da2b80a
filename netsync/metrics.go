package netsync

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// counter names used by the transport
const (
	MetricBytesSent        = "bytes-sent"
	MetricBytesReceived    = "bytes-received"
	MetricMessagesSent     = "messages-sent"
	MetricMessagesReceived = "messages-received"
)

type MetricsSettings struct {
	// when a counter has this many samples, every other sample is discarded.
	// this keeps exponentially less sampling data the further back we look
	MaxSamples   int
	SamplePeriod time.Duration
}

func DefaultMetricsSettings() *MetricsSettings {
	return &MetricsSettings{
		MaxSamples:   10,
		SamplePeriod: 100 * time.Millisecond,
	}
}

type metricSample struct {
	time  time.Time
	value float64
}

type metricCounter struct {
	currentValue float64
	samples      []metricSample
}

type MetricSummary struct {
	Name            string
	Value           float64
	ChangePerSecond float64
}

// Metrics keeps named counters and samples the changed ones periodically
// so that rates can be computed over recent windows.
type Metrics struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MetricsSettings

	stateLock      sync.Mutex
	counters       map[string]*metricCounter
	awaitingSample map[*metricCounter]bool
}

func NewMetricsWithDefaults(ctx context.Context) *Metrics {
	return NewMetrics(ctx, DefaultMetricsSettings())
}

func NewMetrics(ctx context.Context, settings *MetricsSettings) *Metrics {
	cancelCtx, cancel := context.WithCancel(ctx)
	metrics := &Metrics{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		counters:       map[string]*metricCounter{},
		awaitingSample: map[*metricCounter]bool{},
	}
	go metrics.run()
	return metrics
}

func (self *Metrics) run() {
	ticker := time.NewTicker(self.settings.SamplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case now := <-ticker.C:
			self.sample(now)
		}
	}
}

func (self *Metrics) sample(now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	toSample := self.awaitingSample
	self.awaitingSample = map[*metricCounter]bool{}
	for counter := range toSample {
		if self.settings.MaxSamples <= len(counter.samples) {
			j := 0
			for i := 1; i < len(counter.samples); i += 2 {
				counter.samples[j] = counter.samples[i]
				j += 1
			}
			counter.samples = counter.samples[:j]
		}
		counter.samples = append(counter.samples, metricSample{
			time:  now,
			value: counter.currentValue,
		})
	}
}

// Count is safe on a nil receiver, which drops the count.
func (self *Metrics) Count(id string, amount float64) {
	if self == nil {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	counter, ok := self.counters[id]
	if !ok {
		counter = &metricCounter{}
		self.counters[id] = counter
	}
	counter.currentValue += amount
	self.awaitingSample[counter] = true
}

func (self *Metrics) Value(id string) float64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if counter, ok := self.counters[id]; ok {
		return counter.currentValue
	}
	return 0
}

// Rate is the change per second of the counter over the trailing window.
// A zero window uses the full sampling span.
func (self *Metrics) Rate(id string, window time.Duration) float64 {
	return self.rate(id, window, time.Now())
}

func (self *Metrics) rate(id string, window time.Duration, now time.Time) float64 {
	if window <= 0 {
		window = time.Duration(self.settings.MaxSamples) * self.settings.SamplePeriod
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	counter, ok := self.counters[id]
	if !ok {
		glog.V(1).Infof("[m]no rate for missing metric %s\n", id)
		return 0
	}
	if len(counter.samples) == 0 {
		glog.V(1).Infof("[m]no rate for unsampled metric %s\n", id)
		return 0
	}
	start := now.Add(-window)
	// the sample closest to the window start
	i, j := 0, len(counter.samples)
	for 1 < j-i {
		mid := i + (j-i)/2
		if !counter.samples[mid].time.After(start) {
			i = mid
		} else {
			j = mid
		}
	}
	deltaValue := counter.currentValue - counter.samples[i].value
	deltaSeconds := now.Sub(counter.samples[i].time).Seconds()
	if deltaSeconds <= 0 {
		glog.V(1).Infof("[m]no rate for malformed metric %s\n", id)
		return 0
	}
	return deltaValue / deltaSeconds
}

// Summary lists the counters matching `filter`, sorted by name,
// with their change per second over the last 30 seconds.
func (self *Metrics) Summary(filter *regexp.Regexp) []*MetricSummary {
	self.stateLock.Lock()
	names := maps.Keys(self.counters)
	self.stateLock.Unlock()

	sort.Strings(names)
	summaries := []*MetricSummary{}
	for _, name := range names {
		if filter != nil && !filter.MatchString(name) {
			continue
		}
		summaries = append(summaries, &MetricSummary{
			Name:            name,
			Value:           self.Value(name),
			ChangePerSecond: self.Rate(name, 30*time.Second),
		})
	}
	return summaries
}

func (self *Metrics) Close() {
	self.cancel()
}

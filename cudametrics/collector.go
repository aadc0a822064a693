// Package cudametrics exports the state of package cuda as Prometheus metrics.
//
// The process-wide live object counters (cuda.ResourcesAlive) are always exported. Contexts added with
// Collector.Watch also export their device memory usage and their live resources.
//
// Example:
//
//	collector := cudametrics.New()
//	collector.Watch(ctx)
//	prometheus.MustRegister(collector)
package cudametrics

import (
	"strconv"
	"sync"

	"github.com/gomlx/gocuda/cuda"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const namespace = "gocuda"

var (
	resourcesAliveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "resources_alive"),
		"Number of driver objects created and not yet released, by kind.",
		[]string{"kind"}, nil)
	bufferBytesAliveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "buffer_bytes_alive"),
		"Total size in bytes of the device buffers not yet freed.",
		nil, nil)
	deviceMemoryFreeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "memory_free_bytes"),
		"Free device memory as reported by the driver.",
		[]string{"device", "name"}, nil)
	deviceMemoryTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "memory_total_bytes"),
		"Total device memory as reported by the driver.",
		[]string{"device", "name"}, nil)
	contextResourcesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "context", "resources"),
		"Live resources owned by a watched context, by kind.",
		[]string{"device", "kind"}, nil)
)

// Collector implements prometheus.Collector.
type Collector struct {
	mu       sync.Mutex
	contexts []*cuda.Context
}

var _ prometheus.Collector = (*Collector)(nil)

// New returns a Collector with no watched contexts.
func New() *Collector {
	return &Collector{}
}

// Watch adds ctx to the contexts whose device memory and resources are exported. Destroyed contexts are
// dropped on the next collection.
func (c *Collector) Watch(ctx *cuda.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = append(c.contexts, ctx)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- resourcesAliveDesc
	ch <- bufferBytesAliveDesc
	ch <- deviceMemoryFreeDesc
	ch <- deviceMemoryTotalDesc
	ch <- contextResourcesDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	alive := cuda.ResourcesAlive()
	for kind, value := range map[string]int64{
		"contexts": alive.Contexts,
		"buffers":  alive.Buffers,
		"modules":  alive.Modules,
		"streams":  alive.Streams,
		"events":   alive.Events,
	} {
		ch <- prometheus.MustNewConstMetric(resourcesAliveDesc, prometheus.GaugeValue, float64(value), kind)
	}
	ch <- prometheus.MustNewConstMetric(bufferBytesAliveDesc, prometheus.GaugeValue, float64(alive.BufferBytes))

	for _, ctx := range c.liveContexts() {
		device := ctx.Device()
		ordinal := strconv.Itoa(device.Ordinal())
		free, total, err := ctx.MemInfo()
		if err != nil {
			klog.Warningf("cudametrics: failed to query memory of %s: %v", ctx, err)
		} else {
			ch <- prometheus.MustNewConstMetric(deviceMemoryFreeDesc, prometheus.GaugeValue, float64(free), ordinal, device.Name())
			ch <- prometheus.MustNewConstMetric(deviceMemoryTotalDesc, prometheus.GaugeValue, float64(total), ordinal, device.Name())
		}
		counts := ctx.LiveResources()
		for kind, value := range map[string]int{
			"buffers": counts.Buffers,
			"modules": counts.Modules,
			"streams": counts.Streams,
			"events":  counts.Events,
		} {
			ch <- prometheus.MustNewConstMetric(contextResourcesDesc, prometheus.GaugeValue, float64(value), ordinal, kind)
		}
	}
}

// liveContexts drops destroyed contexts and returns a copy of the remaining ones.
func (c *Collector) liveContexts() []*cuda.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.contexts[:0]
	for _, ctx := range c.contexts {
		if !ctx.IsDestroyed() {
			live = append(live, ctx)
		}
	}
	clear(c.contexts[len(live):])
	c.contexts = live
	return append([]*cuda.Context(nil), live...)
}

package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream     int64
	errorsPoll       int64
	warnsStream      int64
	warnsPoll        int64
	streamMessages   int64
	pollCycles       int64
	deliveriesStream int64
	deliveriesPoll   int64
	deliveryErrors   int64
	duplicates       int64
	parseErrors      int64
	reconnects       int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "poll") {
		atomic.AddInt64(&warnsPoll, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "poll") {
		atomic.AddInt64(&errorsPoll, 1)
	}
}

func IncrementStreamMessage(size int) {
	atomic.AddInt64(&streamMessages, 1)
	recordChannel("stream_ws", size)
}

func IncrementPollCycle() {
	atomic.AddInt64(&pollCycles, 1)
}

func IncrementDelivery(source string, size int) {
	if source == "poll" {
		atomic.AddInt64(&deliveriesPoll, 1)
	} else {
		atomic.AddInt64(&deliveriesStream, 1)
	}
	recordChannel("sink_http", size)
}

func IncrementDeliveryError() {
	atomic.AddInt64(&deliveryErrors, 1)
}

func IncrementDuplicate() {
	atomic.AddInt64(&duplicates, 1)
}

func IncrementParseError() {
	atomic.AddInt64(&parseErrors, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// CounterSnapshot returns the current relay counters for status reporting.
func CounterSnapshot() map[string]int64 {
	return map[string]int64{
		"stream_messages":   atomic.LoadInt64(&streamMessages),
		"poll_cycles":       atomic.LoadInt64(&pollCycles),
		"deliveries_stream": atomic.LoadInt64(&deliveriesStream),
		"deliveries_poll":   atomic.LoadInt64(&deliveriesPoll),
		"delivery_errors":   atomic.LoadInt64(&deliveryErrors),
		"duplicates":        atomic.LoadInt64(&duplicates),
		"parse_errors":      atomic.LoadInt64(&parseErrors),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"errors_stream":     atomic.LoadInt64(&errorsStream),
		"errors_poll":       atomic.LoadInt64(&errorsPoll),
		"warns_stream":      atomic.LoadInt64(&warnsStream),
		"warns_poll":        atomic.LoadInt64(&warnsPoll),
	}
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and relay statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	counters := CounterSnapshot()
	fields := Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	for name, value := range counters {
		fields[name] = value
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Relay-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-StreamMessages"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["stream_messages"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-PollCycles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["poll_cycles"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-DeliveriesStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["deliveries_stream"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-DeliveriesPoll"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["deliveries_poll"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-DeliveryErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["delivery_errors"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-Duplicates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["duplicates"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-ParseErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["parse_errors"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counters["reconnects"]))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Relay-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Relay-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Relay-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsTicker   int64
	errorsPublish  int64
	warnsTicker    int64
	warnsPublish   int64
	ticksIngested  int64
	ticksPublished int64
	ticksDropped   int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "publisher") || strings.Contains(component, "batcher") {
		atomic.AddInt64(&warnsPublish, 1)
	} else if strings.Contains(component, "ticker") || strings.Contains(component, "pool") {
		atomic.AddInt64(&warnsTicker, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "publisher") || strings.Contains(component, "batcher") {
		atomic.AddInt64(&errorsPublish, 1)
	} else if strings.Contains(component, "ticker") || strings.Contains(component, "pool") {
		atomic.AddInt64(&errorsTicker, 1)
	}
}

// IncrementTickIngested records one raw tick received from a broker stream.
func IncrementTickIngested(size int) {
	atomic.AddInt64(&ticksIngested, 1)
	recordChannel("broker_ws", size)
}

// IncrementTickPublished records one message delivered to the pub/sub layer.
func IncrementTickPublished(size int) {
	atomic.AddInt64(&ticksPublished, 1)
	recordChannel("publish", size)
}

// IncrementTickDropped records one message shed anywhere in the pipeline.
func IncrementTickDropped() {
	atomic.AddInt64(&ticksDropped, 1)
}

// RecordChannelMessage records channel throughput for the runtime report.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
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

	fields := Fields{
		"errors_ticker":   atomic.LoadInt64(&errorsTicker),
		"errors_publish":  atomic.LoadInt64(&errorsPublish),
		"warns_ticker":    atomic.LoadInt64(&warnsTicker),
		"warns_publish":   atomic.LoadInt64(&warnsPublish),
		"ticks_ingested":  atomic.LoadInt64(&ticksIngested),
		"ticks_published": atomic.LoadInt64(&ticksPublished),
		"ticks_dropped":   atomic.LoadInt64(&ticksDropped),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsTicker"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsTicker)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPublish"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsPublish)))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksIngested"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksIngested)))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksPublished)))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksDropped)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

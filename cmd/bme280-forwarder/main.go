// Command bme280-forwarder samples an environmental sensor and
// republishes readings to an MQTT broker, queueing messages while the
// broker is unreachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mhruz/bme280-forwarder/internal/config"
	"github.com/mhruz/bme280-forwarder/internal/metrics"
	"github.com/mhruz/bme280-forwarder/internal/model"
	"github.com/mhruz/bme280-forwarder/internal/pipeline"
	"github.com/mhruz/bme280-forwarder/internal/sensor"
	"github.com/mhruz/bme280-forwarder/internal/sensor/simdev"
	"github.com/mhruz/bme280-forwarder/pkg/mqttconn"
)

const disconnectGrace = 250 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "path to config.yaml (default: search standard locations)")
	flag.Parse()

	path, err := config.FindConfig(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, closeLog, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)
	if path != "" {
		log.Info("configuration loaded", "file", path)
	} else {
		log.Info("no config file found, running on defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusTopic := model.ExpandTopic(cfg.Topics.StatusTopic, cfg.Sensor.Location)
	will, err := lastWill(cfg, statusTopic)
	if err != nil {
		return err
	}

	conn, err := mqttconn.Dial(ctx, mqttconn.Config{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		UseTLS:         cfg.MQTT.UseTLS,
		CACerts:        cfg.MQTT.CACerts,
		CertFile:       cfg.MQTT.CertFile,
		KeyFile:        cfg.MQTT.KeyFile,
		ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeout) * time.Second,
		MaxRetries:     cfg.MQTT.MaxRetries,
		Will:           will,
	}, log)
	if err != nil {
		// The one fatal condition: the startup retry budget is spent.
		return err
	}
	defer conn.Close(disconnectGrace)

	opener, err := deviceOpener(cfg.Sensor.Driver)
	if err != nil {
		return err
	}
	settings := sensor.HighAccuracy(cfg.Sensor.SeaLevelPressure)
	lifecycle := sensor.NewLifecycle(opener, settings,
		time.Duration(cfg.Sensor.StabilizationSeconds)*time.Second, log)

	agg := pipeline.NewAggregator(pipeline.Ranges{
		Temperature: pipeline.Range{Min: cfg.Data.TempMin, Max: cfg.Data.TempMax},
		Humidity:    pipeline.Range{Min: cfg.Data.HumidityMin, Max: cfg.Data.HumidityMax},
		Pressure:    pipeline.Range{Min: cfg.Data.PressureMin, Max: cfg.Data.PressureMax},
	}, cfg.Aggregation.SmoothingFactor,
		time.Duration(cfg.Aggregation.SampleDelayMs)*time.Millisecond, log)

	zone, err := time.LoadLocation(cfg.Sensor.LocalTimezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	loop := pipeline.NewLoop(pipeline.LoopConfig{
		Location:             cfg.Sensor.Location,
		ReadingsTopic:        model.ExpandTopic(cfg.Topics.ReadingsTopic, cfg.Sensor.Location),
		LegacyTopic:          cfg.Topics.LegacyTopic,
		StatusTopic:          statusTopic,
		UseLegacy:            cfg.Topics.UseLegacyTopic,
		LegacyTempField:      cfg.Legacy.TempField,
		LegacyHumidityField:  cfg.Legacy.HumidityField,
		LegacyPressureField:  cfg.Legacy.PressureField,
		QoS:                  cfg.MQTT.QoS,
		SampleRate:           time.Duration(cfg.Sensor.SampleRate) * time.Second,
		InitRetryInterval:    time.Duration(cfg.Sensor.InitRetryInterval) * time.Second,
		SampleCount:          cfg.Aggregation.SampleCount,
		DiscardOutliers:      cfg.Aggregation.DiscardOutliers,
		FlushEachCycle:       cfg.Queue.FlushOnEachCycle,
		MaxConsecutiveErrors: cfg.Sensor.MaxConsecutiveErrors,
		SeaLevelPressure:     cfg.Sensor.SeaLevelPressure,
		LocalZone:            zone,
	}, conn, conn.Events(), lifecycle,
		agg, pipeline.NewAdvisor(log), pipeline.NewQueue(cfg.Queue.MaxSize, log), log)

	if cfg.Metrics.Enabled {
		go metrics.Serve(ctx, cfg.Metrics.Listen, loop, log)
	}

	return loop.Run(ctx)
}

func lastWill(cfg config.Config, statusTopic string) (*mqttconn.Will, error) {
	payload, err := model.StatusJSON(cfg.Sensor.Location, "offline", time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &mqttconn.Will{
		Topic:   statusTopic,
		Payload: payload,
		QoS:     cfg.MQTT.QoS,
		Retain:  true,
	}, nil
}

func deviceOpener(driver string) (sensor.Opener, error) {
	switch driver {
	case "sim":
		return simdev.Open, nil
	default:
		// Hardware drivers are provided out of tree and selected here.
		return nil, fmt.Errorf("unknown sensor driver %q", driver)
	}
}

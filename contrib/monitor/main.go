// monitor joins the data and status groups of an SDR server, resequences
// every channel it finds and reports stream quality: Prometheus metrics,
// periodic log lines and optional MQTT gap events.
package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/openradio/gortprx"
)

type metricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

type mqttConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type monitorConfig struct {
	Data      string `yaml:"data"`
	Status    string `yaml:"status"`
	Interface string `yaml:"interface"`

	Metrics metricsConfig `yaml:"metrics"`
	MQTT    mqttConfig    `yaml:"mqtt"`

	Stream rtprx.Config `yaml:"stream"`
}

func defaultMonitorConfig() monitorConfig {
	config := monitorConfig{
		Stream: rtprx.DefaultConfig,
	}

	config.Metrics.Listen = "127.0.0.1:9090"
	config.Metrics.Path = "/metrics"

	return config
}

func main() {
	var (
		configPath string
		data       string
		status     string
		ifname     string
		loglevel   string
		profiling  bool
	)

	pflag.StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	pflag.StringVar(&data, "data", "", "data multicast group, e.g. 239.1.2.3:5004")
	pflag.StringVar(&status, "status", "", "status multicast group, e.g. 239.1.2.3:5006")
	pflag.StringVarP(&ifname, "interface", "i", "", "interface to join the groups on")
	pflag.StringVar(&loglevel, "loglevel", "info", "log level (debug, info, warn, error)")
	pflag.BoolVar(&profiling, "profile", false, "write a CPU profile to the working directory")
	pflag.Parse()

	logger := logrus.New()

	level, err := logrus.ParseLevel(loglevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid log level")
	}

	logger.SetLevel(level)
	rtprx.SetLogger(logger)

	config := defaultMonitorConfig()

	if configPath != "" {
		file, err := os.ReadFile(configPath)
		if err != nil {
			logger.WithError(err).Fatal("reading config file")
		}

		if err := yaml.Unmarshal(file, &config); err != nil {
			logger.WithError(err).Fatal("parsing config file")
		}
	}

	if data != "" {
		config.Data = data
	}

	if status != "" {
		config.Status = status
	}

	if ifname != "" {
		config.Interface = ifname
	}

	if config.Data == "" {
		logger.Fatal("no data group given, use --data or the config file")
	}

	if profiling {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	if err := rtprx.StartMetricsServer(config.Metrics.Listen, config.Metrics.Path); err != nil {
		logger.WithError(err).Fatal("starting metrics server")
	}

	var publisher *rtprx.GapPublisher

	if config.MQTT.Broker != "" {
		publisher, err = rtprx.NewGapPublisher(rtprx.MQTTConfig{
			BrokerURL:   config.MQTT.Broker,
			TopicPrefix: config.MQTT.Topic,
			Username:    config.MQTT.Username,
			Password:    config.MQTT.Password,
		})
		if err != nil {
			logger.WithError(err).Fatal("connecting to mqtt")
		}

		defer publisher.Close()
	}

	// Sample rates announced on the status group, by SSRC. A channel with
	// no announced rate is only admitted if the config carries a default.
	var ratesLock sync.Mutex
	rates := map[uint32]uint32{}

	rx, err := rtprx.NewReceiver(rtprx.ReceiverConfig{
		Address:   config.Data,
		Interface: config.Interface,
		Defaults:  config.Stream,
		Metrics:   rtprx.NewMetrics(nil),
		OnStream: func(ssrc uint32) *rtprx.StreamConfig {
			stream := rtprx.StreamConfig{
				Config: config.Stream,
			}

			ratesLock.Lock()
			rate := rates[ssrc]
			ratesLock.Unlock()

			if rate != 0 {
				stream.Config.SampleRate = rate
			}

			if stream.Config.SampleRate == 0 {
				// wait for the status group to announce the rate
				return nil
			}

			return &stream
		},
		OnGap: func(e rtprx.GapEvent) {
			logger.WithFields(logrus.Fields{
				"ssrc":    e.SSRC,
				"source":  e.Source.String(),
				"seq":     e.FirstMissingSequence,
				"samples": e.SampleCountLost,
			}).Warn("gap")

			if publisher != nil {
				publisher.PublishGap(e)
			}
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("opening data group")
	}

	rx.Start()
	defer rx.Stop()

	if config.Status != "" {
		sl, err := rtprx.NewStatusListener(rtprx.StatusConfig{
			Address:   config.Status,
			Interface: config.Interface,
			OnSampleRate: func(ssrc uint32, rate uint32) {
				ratesLock.Lock()
				rates[ssrc] = rate
				ratesLock.Unlock()
			},
			OnTimeReference: func(ssrc uint32, ref rtprx.TimeReference) {
				rx.SetTimeReference(ssrc, ref)
			},
		})
		if err != nil {
			logger.WithError(err).Fatal("opening status group")
		}

		sl.Start()
		defer sl.Stop()
	} else {
		logger.Warn("no status group given, wallclock stamps will be indeterminate")
	}

	go reportStats(logger, rx, publisher)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
}

func reportStats(logger *logrus.Logger, rx *rtprx.Receiver, publisher *rtprx.GapPublisher) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		for ssrc, stats := range rx.Stats() {
			logger.WithFields(logrus.Fields{
				"ssrc":         ssrc,
				"received":     stats.PktReceived,
				"recovered":    stats.PktRecovered,
				"lost":         stats.PktLoss,
				"samples_lost": stats.SamplesLost,
			}).Info("stream stats")

			if publisher != nil {
				publisher.PublishStats(ssrc, stats)
			}
		}
	}
}

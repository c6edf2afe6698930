// record resequences one channel of an SDR server's multicast output and
// writes its raw samples to a file. Gaps are padded with zero samples so
// the recording stays time-aligned with the capture.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/openradio/gortprx"
)

func main() {
	var (
		data   string
		status string
		ifname string
		ssrc   uint32
		rate   uint32
		out    string
	)

	pflag.StringVar(&data, "data", "", "data multicast group, e.g. 239.1.2.3:5004")
	pflag.StringVar(&status, "status", "", "status multicast group for time references")
	pflag.StringVarP(&ifname, "interface", "i", "", "interface to join the groups on")
	pflag.Uint32Var(&ssrc, "ssrc", 0, "SSRC of the channel to record")
	pflag.Uint32Var(&rate, "rate", 48000, "sample rate of the channel in Hz")
	pflag.StringVarP(&out, "out", "o", "", "output file, defaults to <ssrc>.raw")
	pflag.Parse()

	logger := logrus.New()
	rtprx.SetLogger(logger)

	if data == "" || ssrc == 0 {
		logger.Fatal("--data and --ssrc are required")
	}

	if out == "" {
		out = fmt.Sprintf("%d.raw", ssrc)
	}

	file, err := os.Create(out)
	if err != nil {
		logger.WithError(err).Fatal("creating output file")
	}
	defer file.Close()

	config := rtprx.DefaultConfig
	config.SampleRate = rate

	rx, err := rtprx.NewReceiver(rtprx.ReceiverConfig{
		Address:   data,
		Interface: ifname,
		Defaults:  config,
	})
	if err != nil {
		logger.WithError(err).Fatal("opening data group")
	}

	stamped := false

	_, err = rx.AddStream(rtprx.StreamConfig{
		Config: config,
		SSRC:   ssrc,
		OnUnit: func(u rtprx.Unit) {
			if _, err := file.Write(u.Payload); err != nil {
				logger.WithError(err).Fatal("writing samples")
			}

			if u.WallclockValid && !stamped {
				logger.WithField("wallclock", u.Wallclock).Info("first stamped sample")
				stamped = true
			}
		},
		OnGap: func(e rtprx.GapEvent) {
			if e.SampleCountLost <= 0 {
				return
			}

			logger.WithFields(logrus.Fields{
				"source":  e.Source.String(),
				"samples": e.SampleCountLost,
			}).Warn("padding gap")

			pad := make([]byte, e.SampleCountLost*int64(config.SampleBytes))
			if _, err := file.Write(pad); err != nil {
				logger.WithError(err).Fatal("writing padding")
			}
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("adding stream")
	}

	rx.Start()
	defer rx.Stop()

	if status != "" {
		sl, err := rtprx.NewStatusListener(rtprx.StatusConfig{
			Address:   status,
			Interface: ifname,
			OnTimeReference: func(s uint32, ref rtprx.TimeReference) {
				if s == ssrc {
					rx.SetTimeReference(s, ref)
				}
			},
		})
		if err != nil {
			logger.WithError(err).Fatal("opening status group")
		}

		sl.Start()
		defer sl.Stop()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("recording stopped")
}

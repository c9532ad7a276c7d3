// device-sim publishes synthetic telemetry so the viewer and bridge can be
// exercised without real hardware. Each simulated device random-walks from
// a starting coordinate and reports at a fixed interval.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type uplink struct {
	DevEUI       string  `json:"DevEUI"`
	DevLAT       float64 `json:"DevLAT"`
	DevLON       float64 `json:"DevLON"`
	DevLocRadius float64 `json:"DevLocRadius"`
}

type envelope struct {
	Uplink uplink `json:"DevEUI_uplink"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "broker url")
	prefix := flag.String("prefix", "bee_map", "topic prefix")
	device := flag.String("device", "SIM001", "device identifier")
	lat := flag.Float64("lat", 46.5197, "starting latitude")
	lon := flag.Float64("lon", 6.6323, "starting longitude")
	interval := flag.Duration("interval", 5*time.Second, "publish interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID(fmt.Sprintf("beemap-sim-%s", *device)).
		SetCleanSession(true).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Error("failed to connect", "broker", *broker, "error", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	topic := *prefix + "/" + *device
	logger.Info("simulator started", "device", *device, "topic", topic, "interval", *interval)

	curLat, curLon := *lat, *lon
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("simulator stopped")
			return
		case <-ticker.C:
			// roughly a few meters per step
			curLat += (rand.Float64() - 0.5) * 0.0002
			curLon += (rand.Float64() - 0.5) * 0.0002

			payload, err := json.Marshal(envelope{Uplink: uplink{
				DevEUI:       *device,
				DevLAT:       curLat,
				DevLON:       curLon,
				DevLocRadius: 5 + rand.Float64()*20,
			}})
			if err != nil {
				logger.Error("failed to marshal uplink", "error", err)
				continue
			}

			token := client.Publish(topic, 0, false, payload)
			token.Wait()
			if token.Error() != nil {
				logger.Warn("publish failed", "error", token.Error())
				continue
			}
			logger.Info("published", "lat", curLat, "lon", curLon)
		}
	}
}

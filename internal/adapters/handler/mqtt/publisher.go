// Package mqtt bridges the broadcast stream onto an MQTT broker so
// headless consumers (dashboards, recorders) can follow the same events
// websocket viewers see, without holding an HTTP connection open.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/valyala/fastjson"

	"github.com/adamPlusPlus/allogi-sub000/internal/config"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

const tapBuffer = 256

var topicParsers fastjson.ParserPool

// Bridge taps the event stream and republishes each frame at QoS 0.
// Delivery is best effort on both ends: a slow broker loses oldest frames
// from the tap, never backpressuring ingestion.
type Bridge struct {
	client mqtt.Client
	source ports.EventSource
	prefix string
	log    *slog.Logger
}

func NewBridge(cfg config.MQTTConfig, source ports.EventSource) (*Bridge, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("allogi-server-%d", time.Now().UnixNano())
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "allogi"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.BrokerURL, token.Error())
	}

	log := logger.Component("mqtt")
	log.Info("connected to broker", "broker", cfg.BrokerURL, "clientId", clientID, "prefix", prefix)
	return &Bridge{
		client: client,
		source: source,
		prefix: prefix,
		log:    log,
	}, nil
}

// Run republishes tapped events until ctx is canceled, then disconnects.
func (b *Bridge) Run(ctx context.Context) {
	events, cancel := b.source.Tap(tapBuffer)
	defer cancel()
	defer b.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			b.client.Publish(b.topicFor(evt), 0, false, payload)
		}
	}
}

// topicFor routes log frames to per-script topics, so a consumer can
// subscribe to one script's stream with a single filter. Everything else
// lands on the shared events topic.
func (b *Bridge) topicFor(evt domain.Event) string {
	switch evt.Type {
	case domain.EventNewLog, domain.EventNewScreenshot:
		if script := scriptOf(evt.Data); script != "" {
			return fmt.Sprintf("%s/logs/%s", b.prefix, script)
		}
		return b.prefix + "/logs"
	default:
		return b.prefix + "/events"
	}
}

func scriptOf(data []byte) string {
	p := topicParsers.Get()
	defer topicParsers.Put(p)
	v, err := p.ParseBytes(data)
	if err != nil {
		return ""
	}
	return string(v.GetStringBytes("scriptId"))
}

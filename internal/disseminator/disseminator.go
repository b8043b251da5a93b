// Package disseminator publishes decoded BUFR messages to an MQTT broker,
// one topic per originating centre and data category, so downstream
// consumers can subscribe to just the feeds they want.
package disseminator

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/madpsy/bufrkit/pkg/bufr"
)

// Disseminator owns the MQTT connection.
type Disseminator struct {
	client mqtt.Client
	prefix string
	debug  bool
}

func (d *Disseminator) logDebug(format string, args ...interface{}) {
	if d.debug {
		log.Printf("DEBUG › "+format, args...)
	}
}

// New connects to the broker at server (host:port). auth is "user:pass"
// or empty. Topic layout: <prefix>/<centre>/<category>/message.
func New(server string, useTLS bool, auth, prefix string, debug bool) (*Disseminator, error) {
	opts := mqtt.NewClientOptions()
	scheme := "tcp://"
	if useTLS {
		scheme = "ssl://"
	}
	opts.AddBroker(scheme + server).SetClientID("bufr-disseminator")

	if auth != "" {
		parts := strings.SplitN(auth, ":", 2)
		if len(parts) == 2 {
			opts.SetUsername(parts[0]).SetPassword(parts[1])
		}
	}

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	d := &Disseminator{client: client, prefix: prefix, debug: debug}
	d.logDebug("Connected to MQTT %s%s", scheme, server)
	return d, nil
}

// Envelope is the published JSON shape.
type Envelope struct {
	DataCategory      int             `json:"data_category"`
	OriginatingCentre int             `json:"originating_centre"`
	NSubsets          int             `json:"n_subsets"`
	Compressed        bool            `json:"compressed"`
	Descriptors       []string        `json:"descriptors"`
	Payload           json.RawMessage `json:"payload"`
}

// Publish sends one decoded message. payload is the rendered tree JSON.
func (d *Disseminator) Publish(msg *bufr.Message, payload []byte) error {
	descs := make([]string, 0, len(msg.Section3.Descriptors))
	for _, id := range msg.Section3.Descriptors {
		descs = append(descs, id.String())
	}
	env := Envelope{
		DataCategory:      msg.Section1.DataCategory,
		OriginatingCentre: msg.Section1.OriginatingCentre,
		NSubsets:          msg.Section3.NSubsets,
		Compressed:        msg.Section3.Compressed,
		Descriptors:       descs,
		Payload:           payload,
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%d/%d/message", d.prefix, msg.Section1.OriginatingCentre, msg.Section1.DataCategory)
	tok := d.client.Publish(topic, 0, false, blob)
	tok.Wait()
	if tok.Error() != nil {
		return tok.Error()
	}
	d.logDebug("Published %d bytes to %s", len(blob), topic)
	return nil
}

// Close disconnects from the broker.
func (d *Disseminator) Close() {
	d.client.Disconnect(250)
}

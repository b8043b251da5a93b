// bufringest listens for raw BUFR messages on UDP, decodes them, and
// fans the results out to Postgres history, MQTT dissemination, the
// Socket.IO live feed and the metrics counters. Which sinks run is
// decided by which settings are present; the decoder itself always runs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/madpsy/bufrkit/internal/config"
	"github.com/madpsy/bufrkit/internal/disseminator"
	"github.com/madpsy/bufrkit/internal/history"
	"github.com/madpsy/bufrkit/internal/livefeed"
	"github.com/madpsy/bufrkit/internal/metrics"
	internaltables "github.com/madpsy/bufrkit/internal/tables"
	"github.com/madpsy/bufrkit/pkg/bufr"
	"github.com/madpsy/bufrkit/pkg/engine"
	"github.com/madpsy/bufrkit/pkg/tables"
	"github.com/madpsy/bufrkit/pkg/tree"
)

var settings *config.Settings

func logDebug(format string, args ...interface{}) {
	if settings != nil && settings.Debug {
		log.Printf("DEBUG › "+format, args...)
	}
}

// bufPool for UDP reads
var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, 65536) },
}

// providerCache keeps one provider per negotiated table key.
var providerCache = struct {
	sync.RWMutex
	m map[tables.Key]tables.Provider
}{m: make(map[tables.Key]tables.Provider)}

func providerFor(store *tables.Store, key tables.Key) (tables.Provider, error) {
	providerCache.RLock()
	p, ok := providerCache.m[key]
	providerCache.RUnlock()
	if ok {
		return p, nil
	}

	snap, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	var provider tables.Provider = snap
	if settings.RedisHost != "" {
		cached, err := internaltables.NewCachedProvider(snap, key, settings.RedisHost, settings.RedisPort, settings.TablesTTL, settings.Debug)
		if err != nil {
			log.Printf("Redis unavailable, serving tables uncached: %v", err)
		} else {
			provider = cached
		}
	}

	providerCache.Lock()
	providerCache.m[key] = provider
	providerCache.Unlock()
	return provider, nil
}

func main() {
	configPath := flag.String("config", "./settings.json", "Path to the settings.json file")
	flag.Parse()

	var err error
	settings, err = config.Load(*configPath)
	if err != nil {
		log.Fatal("Error reading settings: ", err)
	}
	if settings.Debug {
		log.Printf("Debug mode enabled")
	}

	store := tables.NewStore(settings.TablesDir)
	counters := metrics.NewCounters()

	var hist *history.Store
	if settings.DbHost != "" {
		hist, err = history.Open(settings.DbHost, settings.DbPort, settings.DbUser, settings.DbPass, settings.DbName, settings.Debug)
		if err != nil {
			log.Fatal("Error connecting to PostgreSQL database: ", err)
		}
		defer hist.Close()
	}

	var dissem *disseminator.Disseminator
	if settings.MQTTServer != "" {
		dissem, err = disseminator.New(settings.MQTTServer, settings.MQTTTLS, settings.MQTTAuth, settings.MQTTTopicPrefix, settings.Debug)
		if err != nil {
			log.Fatal("Error connecting to MQTT: ", err)
		}
		defer dissem.Close()
	}

	mux := http.NewServeMux()
	feed := livefeed.New(mux, settings.Debug)
	mux.HandleFunc("/metrics", counters.Handler())
	if hist != nil {
		mux.HandleFunc("/history", hist.Handler())
	}

	if settings.InfluxHost != "" {
		pusher, err := metrics.NewPusher(counters, settings.InfluxHost, settings.InfluxPort, settings.InfluxDB)
		if err != nil {
			log.Fatal("Error connecting to InfluxDB: ", err)
		}
		defer pusher.Close()
		go pusher.Run(10 * time.Second)
	}

	go func() {
		addr := fmt.Sprintf(":%d", settings.ListenPort)
		log.Printf("HTTP listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("Listen error: %v", err)
		}
	}()

	udpAddr := net.UDPAddr{Port: settings.UDPPort}
	conn, err := net.ListenUDP("udp", &udpAddr)
	if err != nil {
		log.Fatalf("UDP listen error: %v", err)
	}
	defer conn.Close()
	log.Printf("UDP listening on :%d", settings.UDPPort)

	for {
		buf := bufPool.Get().([]byte)
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			bufPool.Put(buf)
			log.Printf("UDP read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		bufPool.Put(buf)

		counters.AddBytes(n)
		go handlePacket(data, remote.IP.String(), store, counters, hist, dissem, feed)
	}
}

// handlePacket carves one or more BUFR messages out of a datagram and
// decodes each one independently; a malformed message only loses itself.
func handlePacket(data []byte, sourceIP string, store *tables.Store, counters *metrics.Counters,
	hist *history.Store, dissem *disseminator.Disseminator, feed *livefeed.Feed) {

	scanner := bufr.NewScanner(data)
	for {
		raw, err := scanner.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			counters.AddFailure(false)
			logDebug("Scan error from %s: %v", sourceIP, err)
			continue
		}
		decodeAndFanOut(raw, sourceIP, store, counters, hist, dissem, feed)
	}
}

func decodeAndFanOut(raw []byte, sourceIP string, store *tables.Store, counters *metrics.Counters,
	hist *history.Store, dissem *disseminator.Disseminator, feed *livefeed.Feed) {

	framed, err := bufr.ParseSections(raw)
	if err != nil {
		counters.AddFailure(false)
		log.Printf("Framing error from %s: %v", sourceIP, err)
		return
	}

	provider, err := providerFor(store, framed.Section1.TableKey())
	if err != nil {
		counters.AddFailure(false)
		log.Printf("Tables error for %s: %v", framed.Section1.TableKey(), err)
		return
	}

	msg, err := bufr.Decode(raw, provider)
	if err != nil {
		bitmapMismatch := false
		if e, ok := err.(*engine.Error); ok {
			bitmapMismatch = e.Kind == engine.KindBitmapMismatch
		}
		counters.AddFailure(bitmapMismatch)
		log.Printf("Decode error from %s: %v", sourceIP, err)
		return
	}
	counters.AddDecode(msg.Section3.NSubsets, len(msg.Section4.Data)*8)
	logDebug("Decoded message: centre %d, category %d, %d subsets",
		msg.Section1.OriginatingCentre, msg.Section1.DataCategory, msg.Section3.NSubsets)

	summary := summarize(msg)

	if hist != nil {
		if err := hist.Insert(msg, summary, sourceIP); err != nil {
			log.Printf("History insert error: %v", err)
		}
	}
	if dissem != nil {
		if err := dissem.Publish(msg, summary); err != nil {
			log.Printf("MQTT publish error: %v", err)
		}
	}

	descs := make([]string, 0, len(msg.Section3.Descriptors))
	for _, id := range msg.Section3.Descriptors {
		descs = append(descs, id.String())
	}
	feed.Broadcast(livefeed.Summary{
		DataCategory:      msg.Section1.DataCategory,
		OriginatingCentre: msg.Section1.OriginatingCentre,
		NSubsets:          msg.Section3.NSubsets,
		Descriptors:       descs,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	})
}

// summarize renders the first subset's leaf values as a flat JSON object
// keyed by node label (so associated fields, skipped locals and markers
// appear under their derived names), the blob history and MQTT carry.
func summarize(msg *bufr.Message) []byte {
	flat := make(map[string]tree.Value)
	msg.Root.Walk(func(n *tree.Node) {
		if len(n.Values) == 0 {
			return
		}
		key := n.Label()
		if _, seen := flat[key]; seen {
			return // keep the first occurrence only
		}
		flat[key] = n.Values[0]
	})
	blob, err := json.Marshal(flat)
	if err != nil {
		return []byte("{}")
	}
	return blob
}

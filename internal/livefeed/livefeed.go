// Package livefeed pushes newly-decoded message summaries to connected
// Socket.IO dashboard clients in real time. Clients subscribe per
// originating centre; a summary is broadcast to every subscriber of the
// message's centre plus every "all" subscriber.
package livefeed

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/zishang520/engine.io/v2/config"
	engineio "github.com/zishang520/engine.io/v2/engine"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// Feed owns the Socket.IO server and its subscriber maps.
type Feed struct {
	io *socketio.Server

	connectedClients   map[socketio.SocketId]*socketio.Socket
	connectedClientsMu sync.RWMutex

	centreSubscribers   map[string]map[socketio.SocketId]struct{}
	centreSubscribersMu sync.RWMutex

	debug bool
}

func (f *Feed) logDebug(format string, args ...interface{}) {
	if f.debug {
		log.Printf("DEBUG › "+format, args...)
	}
}

// New builds the feed and mounts its Socket.IO endpoint on mux.
func New(mux *http.ServeMux, debug bool) *Feed {
	f := &Feed{
		connectedClients:  make(map[socketio.SocketId]*socketio.Socket),
		centreSubscribers: make(map[string]map[socketio.SocketId]struct{}),
		debug:             debug,
	}

	serverOpts := &config.ServerOptions{}
	serverOpts.SetAllowEIO3(true)
	serverOpts.SetCors(&types.Cors{Origin: "*", Credentials: true})

	httpServer := types.NewWebServer(nil)
	engineio.Attach(httpServer, serverOpts)

	mux.HandleFunc("/socket.io/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		httpServer.ServeHTTP(w, r)
	})

	f.io = socketio.NewServer(httpServer, nil)
	f.setup()
	return f
}

func (f *Feed) setup() {
	f.io.On("connection", func(args ...any) {
		client := args[0].(*socketio.Socket)
		sid := client.Id()

		f.connectedClientsMu.Lock()
		f.connectedClients[sid] = client
		f.connectedClientsMu.Unlock()
		f.logDebug("Client connected: %s", sid)

		client.On("subscribe", func(raw ...any) {
			centre, ok := raw[0].(string)
			if !ok {
				return
			}
			f.centreSubscribersMu.Lock()
			subs := f.centreSubscribers[centre]
			if subs == nil {
				subs = make(map[socketio.SocketId]struct{})
				f.centreSubscribers[centre] = subs
			}
			subs[sid] = struct{}{}
			f.centreSubscribersMu.Unlock()
			f.logDebug("Client %s subscribed to centre %s", sid, centre)
		})

		client.On("unsubscribe", func(raw ...any) {
			centre, ok := raw[0].(string)
			if !ok {
				return
			}
			f.centreSubscribersMu.Lock()
			if subs := f.centreSubscribers[centre]; subs != nil {
				delete(subs, sid)
				if len(subs) == 0 {
					delete(f.centreSubscribers, centre)
				}
			}
			f.centreSubscribersMu.Unlock()
		})

		client.On("disconnect", func(_ ...any) {
			f.connectedClientsMu.Lock()
			delete(f.connectedClients, sid)
			f.connectedClientsMu.Unlock()

			f.centreSubscribersMu.Lock()
			for centre, subs := range f.centreSubscribers {
				delete(subs, sid)
				if len(subs) == 0 {
					delete(f.centreSubscribers, centre)
				}
			}
			f.centreSubscribersMu.Unlock()
		})
	})
}

// Summary is the broadcast shape for one decoded message.
type Summary struct {
	DataCategory      int      `json:"data_category"`
	OriginatingCentre int      `json:"originating_centre"`
	NSubsets          int      `json:"n_subsets"`
	Descriptors       []string `json:"descriptors"`
	Timestamp         string   `json:"timestamp"`
}

// Broadcast pushes a summary to every subscriber of its centre and every
// "all" subscriber.
func (f *Feed) Broadcast(s Summary) {
	centre := fmt.Sprintf("%d", s.OriginatingCentre)

	f.centreSubscribersMu.RLock()
	targets := make(map[socketio.SocketId]struct{})
	for sid := range f.centreSubscribers[centre] {
		targets[sid] = struct{}{}
	}
	for sid := range f.centreSubscribers["all"] {
		targets[sid] = struct{}{}
	}
	f.centreSubscribersMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	f.connectedClientsMu.RLock()
	for sid := range targets {
		if sock, ok := f.connectedClients[sid]; ok {
			sock.Emit("bufr_message", s)
		}
	}
	f.connectedClientsMu.RUnlock()
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.connectedClientsMu.RLock()
	defer f.connectedClientsMu.RUnlock()
	return len(f.connectedClients)
}

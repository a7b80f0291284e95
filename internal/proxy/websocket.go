package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2234839/DynaPM/internal/router"
	"github.com/2234839/DynaPM/internal/service"
)

// wsHopByHopHeaders are the headers the client library regenerates for the
// upstream handshake and must not be forwarded verbatim (spec.md §4.7,
// "open phase").
var wsHopByHopHeaders = map[string]bool{
	"Host": true, "Connection": true, "Upgrade": true,
	"Sec-Websocket-Key": true, "Sec-Websocket-Version": true,
}

// frame is one WebSocket message queued between the upgrade and open
// phases, preserving the binary/text flag (spec.md §4.7, "bridge").
type frame struct {
	messageType int
	payload     []byte
}

// WSBridge implements the two-phase WebSocket upgrade (spec.md §4.7):
// accept the client handshake immediately, queue client frames in FIFO
// order while the upstream connection (and any pending service start) is
// pending, then bridge bidirectionally once open. Grounded on
// `_examples/AtDexters-Lab-piccolod`'s go.mod pull of gorilla/websocket —
// the teacher carries no WebSocket support at all, so this component is
// adopted wholesale from the rest of the pack.
type WSBridge struct {
	upgrader websocket.Upgrader
	manager  *service.Manager
	logger   *slog.Logger
	wsLog    bool
}

// NewWSBridge returns a bridge that ensures services are online via
// manager before dialing upstream.
func NewWSBridge(manager *service.Manager, logger *slog.Logger) *WSBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSBridge{
		manager:  manager,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// SetWebSocketLogging toggles open/close access logging
// (logging.enable_websocket_log), off by default (spec.md §6: logging "all
// false").
func (b *WSBridge) SetWebSocketLogging(enabled bool) {
	b.wsLog = enabled
}

// HandleUpgrade completes the client-side handshake immediately, then
// bridges to upstream in the background once the route's service is
// online.
func (b *WSBridge) HandleUpgrade(w http.ResponseWriter, r *http.Request, route router.Route) {
	clientHeader := sanitizeClientHandshakeHeaders(r.Header)
	reqURL := *r.URL

	clientConn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	release := route.Service.State.Acquire()
	go b.run(clientConn, route, clientHeader, &reqURL, release)
}

func (b *WSBridge) run(client *websocket.Conn, route router.Route, clientHeader http.Header, reqURL *url.URL, release func()) {
	defer release()

	var closeOnce sync.Once
	closeBoth := func(upstream *websocket.Conn) {
		closeOnce.Do(func() {
			client.Close()
			if upstream != nil {
				upstream.Close()
			}
		})
	}

	queue := make(chan frame, 256)
	clientClosed := make(chan struct{})
	go pumpIntoQueue(client, queue, clientClosed, b.logger)

	startCtx, cancel := context.WithTimeout(context.Background(), route.Service.StartTimeout+10*time.Second)
	defer cancel()
	if err := b.manager.EnsureOnline(startCtx, route.Service); err != nil {
		b.logger.Debug("websocket upstream failed to start", "service", route.Service.Name, "error", err)
		closeBoth(nil)
		return
	}

	upstream, err := dialUpstream(route.Target, reqURL, clientHeader)
	if err != nil {
		b.logger.Warn("websocket upstream dial failed", "service", route.Service.Name, "error", err)
		closeBoth(nil)
		return
	}

	if b.wsLog {
		b.logger.Info("websocket opened", "service", route.Service.Name)
		start := time.Now()
		defer func() {
			b.logger.Info("websocket closed", "service", route.Service.Name, "duration", time.Since(start).String())
		}()
	}

	b.bridge(client, upstream, queue, clientClosed, closeBoth)
}

// pumpIntoQueue reads client frames as soon as the handshake completes,
// regardless of whether upstream is connected yet, so no client message is
// lost while a service cold-starts (spec.md §4.7 upgrade phase).
func pumpIntoQueue(client *websocket.Conn, queue chan<- frame, closed chan<- struct{}, logger *slog.Logger) {
	defer close(closed)
	for {
		mt, payload, err := client.ReadMessage()
		if err != nil {
			return
		}
		queue <- frame{messageType: mt, payload: payload}
	}
}

// bridge drains any queued client frames to upstream in order, then
// forwards live traffic in both directions until either side closes.
func (b *WSBridge) bridge(client, upstream *websocket.Conn, queue <-chan frame, clientClosed <-chan struct{}, closeBoth func(*websocket.Conn)) {
	defer closeBoth(upstream)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer closeBoth(upstream)
		for {
			select {
			case f, ok := <-queue:
				if !ok {
					return
				}
				if err := upstream.WriteMessage(f.messageType, f.payload); err != nil {
					return
				}
			case <-clientClosed:
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer closeBoth(upstream)
		for {
			mt, payload, err := upstream.ReadMessage()
			if err != nil {
				return
			}
			// WriteMessage blocks until the client's TCP send buffer
			// admits the frame, which is this transport's writable-ready
			// signal (spec.md §4.7: "pause the upstream socket and resume
			// when the client becomes writable again").
			if err := client.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}()

	wg.Wait()
}

func dialUpstream(target *url.URL, reqURL *url.URL, clientHeader http.Header) (*websocket.Conn, error) {
	scheme := "ws"
	if target.Scheme == "https" {
		scheme = "wss"
	}
	upstreamURL := url.URL{
		Scheme:   scheme,
		Host:     target.Host,
		Path:     reqURL.Path,
		RawQuery: reqURL.RawQuery,
	}

	header := make(http.Header)
	for name, values := range clientHeader {
		if wsHopByHopHeaders[httpCanonical(name)] {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(upstreamURL.String(), header)
	return conn, err
}

func sanitizeClientHandshakeHeaders(h http.Header) http.Header {
	out := h.Clone()
	sanitizeHeaders(out)
	return out
}

func httpCanonical(name string) string {
	return http.CanonicalHeaderKey(name)
}

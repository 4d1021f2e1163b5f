// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// connector drives the device's connection to the relay server: the
// connection state chart, the WebSocket lifecycle with retry and keepalive,
// the registration/login/import handshakes, change upload and download, and
// the key rotation fan-out.
//
// All connector state lives on a single event loop goroutine.  Facade
// methods, socket reads and timer fires post closures into that loop; none
// of them touch state directly.
package connector

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fleetsync/fleetsync/debug"
	"github.com/fleetsync/fleetsync/keyring"
	"github.com/fleetsync/fleetsync/keystore"
	"github.com/fleetsync/fleetsync/settings"
	"github.com/fleetsync/fleetsync/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Settings keys.
const (
	keyEnabled          = "enabled"
	keyRemoteURL        = "remote/url"
	keyAccessKey        = "remote/accessKey"
	keyHeaders          = "remote/headers"
	keyKeepaliveTimeout = "remote/keepaliveTimeout"
	keyDeviceID         = "deviceId"
	keyDeviceName       = "deviceName"
	keyImport           = "import"
	keyImportNonce      = "import/nonce"
	keyImportPartner    = "import/partner"
	keyImportScheme     = "import/scheme"
	keyImportCmac       = "import/cmac"
	keyImportKey        = "import/key"
	keySendCmac         = "sendCmac"
)

// subsystem ids for the debug logger
const (
	idCon = iota
	idRPC
	idKey
)

// retryDelays is the backoff ladder, clamped at the last entry.  A package
// variable so the retry tests can shrink it.
var retryDelays = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
}

// retryDelay returns the backoff for the given attempt, clamped at the last
// ladder entry.
func retryDelay(index int) time.Duration {
	if index >= len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[index]
}

// keepaliveUnit is a minute; tests shrink it.
var keepaliveUnit = time.Minute

const (
	connectTimeout  = time.Minute
	downloadTimeout = 5 * time.Minute
	proofTimeout    = 10 * time.Minute
	maxRedirects    = 5
)

// RemoteConfig is the server endpoint configuration.  Value semantics;
// either compiled in as the default or carried inside an account export.
type RemoteConfig struct {
	URL              string
	AccessKey        string
	Headers          map[string]string
	KeepaliveTimeout int // minutes, 0 disables keepalive
}

// Equal reports structural equality.
func (r RemoteConfig) Equal(o RemoteConfig) bool {
	if r.URL != o.URL || r.AccessKey != o.AccessKey ||
		r.KeepaliveTimeout != o.KeepaliveTimeout ||
		len(r.Headers) != len(o.Headers) {
		return false
	}
	for k, v := range r.Headers {
		if o.Headers[k] != v {
			return false
		}
	}
	return true
}

// Opts configures a Connector.
type Opts struct {
	Log      *debug.Debug
	Settings *settings.Settings
	Store    keystore.Store
	Defaults RemoteConfig
	Keyring  keyring.Options

	// InsecureSkipVerify disables TLS peer verification.  Intended for
	// self hosted servers with self signed chains.
	InsecureSkipVerify bool

	// GlobalTimeout bounds the ordered shutdown in Finalize.
	GlobalTimeout time.Duration
}

// Connector owns the socket, the state chart and the crypto controller.
type Connector struct {
	log      *debug.Debug
	sets     *settings.Settings
	ring     *keyring.Ring
	defaults RemoteConfig
	insecure bool
	deadline time.Duration

	cmdC   chan func()
	quitC  chan struct{}
	eventC chan Event

	// everything below is owned by the event loop
	sm        machine
	conn      *websocket.Conn
	connEpoch int

	deviceID      uuid.UUID
	retryIndex    int
	expectChanges bool
	awaitingPing  bool
	done          bool

	deviceCache  []wire.DeviceInfo
	exportsCache map[string][]byte
	activeProofs map[uuid.UUID]*keyring.PublicKeySet

	opTimer     *opTimer
	retryTimer  *opTimer
	pingTimer   *opTimer
	finalTimer  *opTimer
	proofTimers map[uuid.UUID]*opTimer

	proofTTL time.Duration
}

// New builds a connector.  Initialize must be called before Start.
func New(opts Opts) *Connector {
	if opts.GlobalTimeout == 0 {
		opts.GlobalTimeout = 30 * time.Second
	}

	c := &Connector{
		log:          opts.Log,
		sets:         opts.Settings,
		defaults:     opts.Defaults,
		insecure:     opts.InsecureSkipVerify,
		deadline:     opts.GlobalTimeout,
		cmdC:         make(chan func(), 64),
		quitC:        make(chan struct{}),
		eventC:       make(chan Event, 128),
		exportsCache: make(map[string][]byte),
		activeProofs: make(map[uuid.UUID]*keyring.PublicKeySet),
		proofTimers:  make(map[uuid.UUID]*opTimer),
		proofTTL:     proofTimeout,
	}
	c.ring = keyring.New(opts.Log, idKey, opts.Settings, opts.Store,
		opts.Keyring)
	c.opTimer = newOpTimer(c)
	c.retryTimer = newOpTimer(c)
	c.pingTimer = newOpTimer(c)
	c.finalTimer = newOpTimer(c)

	c.log.Register(idCon, "[CON]")
	c.log.Register(idRPC, "[RPC]")
	c.log.Register(idKey, "[KEY]")

	return c
}

// Ring exposes the crypto controller.
func (c *Connector) Ring() *keyring.Ring {
	return c.ring
}

// Events is the facade event stream.  The loop never blocks on it: when the
// buffer is full the oldest event is dropped with a log entry.
func (c *Connector) Events() <-chan Event {
	return c.eventC
}

// Initialize opens the keystore.  A keystore failure does not fail
// initialization; synchronization stays disabled until it can be opened.
func (c *Connector) Initialize() error {
	err := c.ring.Initialize()
	if err != nil {
		c.log.Error(idCon, "keystore unavailable, sync disabled: %v",
			err)
	}
	return nil
}

// Start launches the event loop and the first connection attempt.
func (c *Connector) Start() {
	go c.run()
	c.post(func() { c.submit(evStart) })
}

// Finalize shuts the connector down.  A Finalized event is emitted once the
// state chart reached Inactive, or after the shutdown deadline at the
// latest.
func (c *Connector) Finalize() {
	c.post(func() {
		c.pingTimer.disarm()
		d := c.deadline - time.Second
		if d < time.Second {
			d = time.Second
		}
		c.finalTimer.arm(d, func() {
			c.log.Warn(idCon, "shutdown deadline hit, tearing down")
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.finish()
		})
		c.submit(evClose)
	})
}

func (c *Connector) run() {
	for f := range c.cmdC {
		f()
		if c.done {
			close(c.quitC)
			return
		}
	}
}

// post hands f to the event loop.  Posts after shutdown are dropped.
func (c *Connector) post(f func()) {
	select {
	case c.cmdC <- f:
	case <-c.quitC:
	}
}

// call posts f and waits for it to finish.
func (c *Connector) call(f func()) {
	doneC := make(chan struct{})
	c.post(func() {
		f()
		close(doneC)
	})
	select {
	case <-doneC:
	case <-c.quitC:
	}
}

func (c *Connector) emit(ev Event) {
	for {
		select {
		case c.eventC <- ev:
			return
		default:
		}
		select {
		case old := <-c.eventC:
			c.log.Warn(idCon, "event buffer full, dropped %T", old)
		default:
		}
	}
}

// submit runs ev through the state chart and executes the side effect.
func (c *Connector) submit(ev machineEvent) {
	wasActive := c.sm.state.inActive()
	wasConnected := c.sm.state.inConnected()

	act, handled := c.sm.submit(ev)
	if !handled {
		c.log.Dbg(idCon, "unhandled event %v in state %v", ev,
			c.sm.state)
		return
	}
	c.log.T(idCon, "event %v -> state %v", ev, c.sm.state)

	if wasConnected && !c.sm.state.inConnected() {
		// pending proofs and the device cache die with the session
		c.clearCaches(false)
	}
	if wasActive && !c.sm.state.inActive() {
		c.endOp()
		c.emit(StateEvent{RemoteDisconnected})
	}

	switch act {
	case actConnect:
		c.doConnect()
	case actRetry:
		c.scheduleRetry()
	case actClose:
		c.doDisconnect()
	case actIdle:
		c.onEnterIdle()
	case actFinished:
		c.finish()
	}
}

func (c *Connector) finish() {
	if c.done {
		return
	}
	c.done = true
	c.opTimer.disarm()
	c.retryTimer.disarm()
	c.pingTimer.disarm()
	c.finalTimer.disarm()
	for _, t := range c.proofTimers {
		t.disarm()
	}
	c.ring.Finalize()
	c.emit(Finalized{})
}

// isIdle reports whether data traffic is currently allowed.
func (c *Connector) isIdle() bool {
	return c.sm.state == StateIdle
}

// doConnect opens a fresh socket.  Runs on entry of Connecting.
func (c *Connector) doConnect() {
	c.emit(StateEvent{RemoteReconnecting})

	url, ok := c.checkCanSync()
	if !ok {
		c.submit(evNoConnect)
		return
	}

	if c.conn != nil {
		c.log.Warn(idCon, "deleting already open socket connection")
		c.conn.Close()
		c.conn = nil
	}

	c.connEpoch++
	epoch := c.connEpoch

	accessKey := c.sValue(keyAccessKey)
	header := make(http.Header)
	for k, v := range c.headers() {
		header.Set(k, v)
	}

	c.beginSpecialOp(connectTimeout, true)
	c.log.Dbg(idCon, "connecting to remote server %v", url)
	go c.dial(epoch, url, accessKey, header)
}

// dial runs off loop; its outcome is posted back with the epoch it belongs
// to.
func (c *Connector) dial(epoch int, url, accessKey string, header http.Header) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{accessKey},
		HandshakeTimeout: 45 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.insecure,
		},
	}

	var conn *websocket.Conn
	var err error
	for hop := 0; hop <= maxRedirects; hop++ {
		var resp *http.Response
		conn, resp, err = dialer.Dial(url, header)
		if err == nil || resp == nil {
			break
		}
		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			break
		}
		location := resp.Header.Get("Location")
		if location == "" {
			break
		}
		url = location
	}

	c.post(func() { c.dialDone(epoch, conn, err) })
}

func (c *Connector) dialDone(epoch int, conn *websocket.Conn, err error) {
	if epoch != c.connEpoch || c.sm.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.logRetry("could not connect to server: %v", err)
		c.endOp()
		c.submit(evDisconnected)
		return
	}

	c.conn = conn
	c.endOp()
	c.log.Dbg(idCon, "successfully connected to remote server")

	// keepalive
	c.awaitingPing = false
	if t := c.keepaliveMinutes(); t > 0 {
		c.pingTimer.arm(time.Duration(t)*keepaliveUnit, c.ping)
	}

	go c.readLoop(epoch, conn)

	// wait at most one minute for the server's Identify
	c.beginSpecialOp(connectTimeout, true)
	c.submit(evConnected)
}

func (c *Connector) readLoop(epoch int, conn *websocket.Conn) {
	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			c.post(func() { c.socketClosed(epoch, err) })
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f := frame
		c.post(func() { c.frameReceived(epoch, f) })
	}
}

func (c *Connector) socketClosed(epoch int, err error) {
	if epoch != c.connEpoch {
		return
	}

	if c.sm.state.inConnected() {
		c.logRetry("unexpected disconnect from server: %v", err)
	} else {
		c.log.Dbg(idCon, "remote server has been disconnected")
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connEpoch++
	c.pingTimer.disarm()
	c.endOp()
	c.submit(evDisconnected)
}

// doDisconnect tears the socket down.  Runs on entry of Disconnecting.
func (c *Connector) doDisconnect() {
	if c.conn == nil {
		c.submit(evDisconnected)
		return
	}

	c.log.Dbg(idCon, "closing active connection with server")
	c.beginSpecialOp(connectTimeout, false)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

func (c *Connector) scheduleRetry() {
	delay := retryDelay(c.retryIndex)
	c.retryIndex++
	c.log.Dbg(idCon, "retrying to connect to server in %v", delay)
	c.retryTimer.arm(delay, func() {
		c.submit(evRetryTimer)
	})
}

func (c *Connector) onEnterIdle() {
	c.retryIndex = 0
	if c.ring.HasKeyUpdate() {
		c.initKeyUpdate()
	}

	if c.expectChanges {
		c.expectChanges = false
		c.log.Dbg(idCon, "server has changes, reloading states")
		c.emit(StateEvent{RemoteReadyWithChanges})
	} else {
		c.emit(StateEvent{RemoteReady})
	}
}

// ping drives the two phase keepalive.
func (c *Connector) ping() {
	if c.conn == nil {
		return
	}
	if c.awaitingPing {
		c.awaitingPing = false
		c.log.Dbg(idCon, "server connection idle, reconnecting")
		c.submit(evReconnect)
		return
	}

	c.awaitingPing = true
	err := c.conn.WriteMessage(websocket.BinaryMessage, wire.PingPayload)
	if err != nil {
		c.log.Warn(idCon, "could not send ping: %v", err)
	}
	if t := c.keepaliveMinutes(); t > 0 {
		c.pingTimer.arm(time.Duration(t)*keepaliveUnit, c.ping)
	}
}

// triggerError converts an error classification into a state chart event.
func (c *Connector) triggerError(canRecover bool) {
	if canRecover {
		c.submit(evBasicError)
	} else {
		c.submit(evFatalError)
	}
}

// clientError logs a local failure while handling name and degrades into a
// recoverable error.
func (c *Connector) clientError(name string, err error) {
	c.log.Critical(idRPC, "local error on %v: %v", name, err)
	c.triggerError(true)
}

func (c *Connector) clearCaches(includeExports bool) {
	c.deviceCache = nil
	if includeExports {
		c.exportsCache = make(map[string][]byte)
	}
	c.activeProofs = make(map[uuid.UUID]*keyring.PublicKeySet)
	for id, t := range c.proofTimers {
		t.disarm()
		delete(c.proofTimers, id)
	}
}

// sendMessage marshals and writes a frame.  Write failures degrade into a
// recoverable error.
func (c *Connector) sendMessage(msg interface{}) {
	if c.conn == nil {
		c.log.Warn(idRPC, "dropping message, no connection")
		return
	}
	frame, err := wire.Marshal(msg)
	if err != nil {
		c.clientError("send", err)
		return
	}
	err = c.conn.WriteMessage(websocket.BinaryMessage, frame)
	if err != nil {
		c.log.Warn(idRPC, "could not write message: %v", err)
		c.triggerError(true)
	}
}

// sendSignedMessage is sendMessage with a trailing signature by the device
// sign key.
func (c *Connector) sendSignedMessage(msg interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("no connection")
	}
	frame, err := wire.MarshalSigned(msg, c.ring.Sign)
	if err != nil {
		return err
	}
	err = c.conn.WriteMessage(websocket.BinaryMessage, frame)
	if err != nil {
		return fmt.Errorf("could not write message: %v", err)
	}
	return nil
}

// checkCanSync decides whether a connection attempt makes sense and returns
// the remote URL.
func (c *Connector) checkCanSync() (string, bool) {
	if c.sm.closing {
		return "", false
	}

	if !c.loadIdentity() {
		c.log.Critical(idCon, "unable to load user identity, cannot "+
			"synchronize")
		return "", false
	}

	if !c.IsSyncEnabled() {
		c.log.Dbg(idCon, "remote has been disabled, not connecting")
		return "", false
	}

	url := c.sValue(keyRemoteURL)
	if url == "" {
		c.log.Dbg(idCon, "cannot connect to remote, no URL defined")
		return "", false
	}

	return url, true
}

// loadIdentity synchronizes the in-memory identity with settings and the
// keystore.  A staged import keeps the identity empty so the next identify
// round runs the access path.
func (c *Connector) loadIdentity() bool {
	nID, _ := c.sets.GetUUID(keyDeviceID)
	if nID == c.deviceID && nID != uuid.Nil {
		return true
	}

	c.deviceID = nID
	c.ring.ClearKeyMaterial()
	if !c.ring.Available() {
		// no keystore, can neither save nor load
		if c.ring.Initialize() != nil {
			return false
		}
	}

	if c.deviceID == uuid.Nil {
		// no user, nothing to be loaded
		return true
	}

	err := c.ring.LoadKeyMaterial(c.deviceID)
	if err != nil {
		c.log.Critical(idCon, "could not load key material: %v", err)
		return false
	}
	return true
}

// sValue looks key up in settings and falls back to the compiled-in
// defaults.
func (c *Connector) sValue(key string) string {
	if v, found := c.sets.Get(key); found {
		return v
	}

	switch key {
	case keyRemoteURL:
		return c.defaults.URL
	case keyAccessKey:
		return c.defaults.AccessKey
	case keyKeepaliveTimeout:
		return fmt.Sprintf("%d", c.defaults.KeepaliveTimeout)
	case keyEnabled:
		return "true"
	case keyDeviceName:
		name, err := os.Hostname()
		if err != nil {
			return "unknown device"
		}
		return name
	case keySendCmac:
		return "false"
	}
	return ""
}

// headers merges configured upgrade headers, settings over defaults.
func (c *Connector) headers() map[string]string {
	children := c.sets.ChildKeys(keyHeaders)
	if len(children) == 0 {
		return c.defaults.Headers
	}
	headers := make(map[string]string, len(children))
	for _, name := range children {
		v, _ := c.sets.Get(keyHeaders + "/" + name)
		headers[name] = v
	}
	return headers
}

func (c *Connector) keepaliveMinutes() int {
	n, found := c.sets.GetInt(keyKeepaliveTimeout)
	if !found {
		return c.defaults.KeepaliveTimeout
	}
	return n
}

// loadConfig snapshots the effective remote configuration.
func (c *Connector) loadConfig() RemoteConfig {
	return RemoteConfig{
		URL:              c.sValue(keyRemoteURL),
		AccessKey:        c.sValue(keyAccessKey),
		Headers:          c.headers(),
		KeepaliveTimeout: c.keepaliveMinutes(),
	}
}

// storeConfig persists cfg verbatim so it survives the next connect.
func (c *Connector) storeConfig(cfg RemoteConfig) {
	c.sets.Set(keyRemoteURL, cfg.URL)
	c.sets.Set(keyAccessKey, cfg.AccessKey)
	c.sets.Remove(keyHeaders)
	for k, v := range cfg.Headers {
		c.sets.Set(keyHeaders+"/"+k, v)
	}
	c.sets.SetInt(keyKeepaliveTimeout, cfg.KeepaliveTimeout)
}

// logRetry logs the first failure of a retry sequence as a warning and
// repeats as debug.
func (c *Connector) logRetry(format string, args ...interface{}) {
	if c.retryIndex == 0 {
		c.log.Warn(idCon, format, args...)
	} else {
		c.log.Dbg(idCon, format+" (repeated)", args...)
	}
}

// opTimer is a cancellable, re-armable one shot timer whose fire runs on the
// event loop.  Re-arming invalidates earlier fires.
type opTimer struct {
	c     *Connector
	t     *time.Timer
	gen   int
	armed bool
}

func newOpTimer(c *Connector) *opTimer {
	return &opTimer{c: c}
}

// arm schedules fn; only loop code may call it.
func (t *opTimer) arm(d time.Duration, fn func()) {
	t.disarm()
	t.gen++
	t.armed = true
	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.c.post(func() {
			if !t.armed || t.gen != gen {
				return
			}
			t.armed = false
			fn()
		})
	})
}

func (t *opTimer) disarm() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.armed = false
}

// beginSpecialOp bounds a long running handshake step.  On expiry a basic
// error is synthesized unless the step expects none.
func (c *Connector) beginSpecialOp(d time.Duration, errorOnTimeout bool) {
	c.opTimer.arm(d, func() {
		c.log.Warn(idCon, "operation timeout in state %v", c.sm.state)
		if errorOnTimeout {
			c.triggerError(true)
		}
	})
}

func (c *Connector) endOp() {
	c.opTimer.disarm()
}

package swd

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Number of queued requests the supervisor accepts. Producers block when
// the channel is full, local requests queue while a binary session holds
// the interface.
const RequestChannelSize = 2

// Supervisor timers
const (
	targetKeepaliveInterval = time.Second
	targetReconnectInterval = time.Second

	// Reconnect attempts log on the first try and every Nth after
	targetReconnectLogInterval = 100
)

// Target is the supervision loop for one SWD target. It is the single
// owner of the DP/AP interface : every other path obtains access by
// sending a request on the channel, or, for binary API connections, by
// the supervisor handing the interface to the session handler for the
// life of the connection. At most one SWD operation is in flight at any
// instant, and local requests are processed strictly in FIFO order.
type Target struct {
	swd      *Interface
	requests chan *Request
	conns    chan net.Conn
	listener net.Listener
	settings Settings
	binary   BinaryServer

	subscribers []chan<- Event

	configPath string

	multidropTargets []uint32

	keepaliveInterval time.Duration
	reconnectInterval time.Duration

	reconnectCount uint32
	wasConnected   bool

	exit chan struct{}
	done chan struct{}
}

// NewTarget creates a supervisor owning the given interface. The speed
// setting is applied to the wire driver immediately.
func NewTarget(swd *Interface, settings Settings) *Target {
	swd.SetSpeed(settings.Speed)
	return &Target{
		swd:               swd,
		requests:          make(chan *Request, RequestChannelSize),
		conns:             make(chan net.Conn),
		settings:          settings,
		multidropTargets:  DefaultMultidropTargets,
		keepaliveInterval: targetKeepaliveInterval,
		reconnectInterval: targetReconnectInterval,
		exit:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// SetConfigPath sets the configuration file used to persist settings
// updates with the flash source. Without it, flash updates fail with
// NotReady.
func (t *Target) SetConfigPath(path string) {
	t.configPath = path
}

// saveSettings writes the current settings back to the configuration
// file, preserving the non-target sections.
func (t *Target) saveSettings() error {
	if t.configPath == "" {
		log.Warn("[TARGET] no config path set, cannot persist settings")
		return ErrNotReady
	}
	config, err := LoadConfig(t.configPath)
	if err != nil {
		return err
	}
	config.Settings = t.settings
	if err := config.Save(t.configPath); err != nil {
		return err
	}
	log.Infof("[TARGET] settings persisted to %v", t.configPath)
	return nil
}

// Subscribe registers a lifecycle observer. The channel should be
// buffered, events are dropped rather than blocking the supervisor.
func (t *Target) Subscribe(ch chan<- Event) {
	t.subscribers = append(t.subscribers, ch)
}

func (t *Target) publish(event Event) {
	for _, ch := range t.subscribers {
		select {
		case ch <- event:
		default:
			log.Warn("[TARGET] dropped lifecycle event, observer not keeping up")
		}
	}
}

// Send enqueues a request. Blocks while the channel is full.
func (t *Target) Send(request *Request) {
	t.requests <- request
}

// Do enqueues a command and waits for its reply.
func (t *Target) Do(cmd Command) Response {
	request := NewRequest(cmd)
	t.Send(request)
	return <-request.Reply
}

// ListenBinary starts accepting binary API connections on addr. One
// connection is served at a time, further connections wait in the
// accept queue.
func (t *Target) ListenBinary(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = listener
	log.Infof("[TARGET] binary API listening on %v", listener.Addr())
	go t.acceptLoop(listener)
	return nil
}

// Addr returns the binary API listen address, nil if not listening.
func (t *Target) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Target) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Debugf("[TARGET] binary API accept loop exiting : %v", err)
			return
		}
		select {
		case t.conns <- conn:
		case <-t.exit:
			conn.Close()
			return
		}
	}
}

// Stop terminates the supervision loop and the binary listener.
func (t *Target) Stop() {
	close(t.exit)
	if t.listener != nil {
		t.listener.Close()
	}
	<-t.done
}

// Process runs the supervision loop until Stop is called. It selects
// over the local request channel, incoming binary API connections and a
// periodic timer whose period depends on the connection state :
// keepalive interval while connected, reconnect interval otherwise.
func (t *Target) Process() {
	log.Info("[TARGET] supervision loop started")
	defer close(t.done)

	for {
		interval := t.reconnectInterval
		if t.swd.Connected() {
			interval = t.keepaliveInterval
		}
		timer := time.NewTimer(interval)

		select {
		case <-t.exit:
			timer.Stop()
			log.Info("[TARGET] supervision loop exiting")
			return

		case request := <-t.requests:
			timer.Stop()
			t.handleRequest(request)

		case conn := <-t.conns:
			timer.Stop()
			// The session holds exclusive access to the interface.
			// Local requests queue in the channel meanwhile.
			t.binary.Serve(t.swd, conn)
			// The session may have reset or disconnected the target
			t.checkDisconnected()
			t.connect()

		case <-timer.C:
			t.tick()
		}
	}
}

func (t *Target) tick() {
	if t.swd.Connected() {
		if t.settings.Refresh {
			t.connect()
		} else if t.settings.Keepalive {
			if err := t.swd.Keepalive(); err != nil {
				log.Warnf("[TARGET] keepalive failed : %v", err)
				t.checkDisconnected()
			}
		}
		return
	}
	t.checkDisconnected()
	if !t.settings.AutoConnect {
		return
	}
	t.reconnectCount++
	if t.reconnectCount == 1 || t.reconnectCount%targetReconnectLogInterval == 0 {
		log.Infof("[TARGET] not connected, connection attempt %d", t.reconnectCount)
	}
	t.connect()
}

// checkDisconnected publishes a Stop event on a connected to
// disconnected transition.
func (t *Target) checkDisconnected() {
	if t.wasConnected && !t.swd.Connected() {
		t.wasConnected = false
		t.publish(Event{Kind: EventStop})
	}
}

// connect attempts the reset sequences in order : v1, v2 multi-drop,
// v2 plain. The v1 reset must come first because a previously selected
// multi-drop target remains selected across a bare line reset, and the
// multi-drop probe must precede plain v2 because the probe's TARGETSEL
// handling can disable a plain v2 target.
func (t *Target) connect() {
	if err := t.resetAnyVersion(); err != nil {
		log.Debugf("[TARGET] connect failed : %v", err)
		t.checkDisconnected()
		return
	}
	mcu := t.swd.Mcu()
	log.Infof("[TARGET] connected : %v", mcu)
	t.reconnectCount = 0
	t.wasConnected = true
	t.publish(Event{Kind: EventStart, Mcu: mcu})
}

func (t *Target) resetAnyVersion() error {
	if err := t.swd.ResetConnect(V1); err == nil {
		return nil
	}
	if targets, err := t.swd.DetectMultidrop(t.multidropTargets); err == nil {
		target := targets[0]
		// Don't connect to the RP2040 rescue DP, the chip likely
		// needs a reboot
		if target.TargetSel == TargetSelRP2040Rescue {
			log.Debug("[TARGET] found RP2040 rescue target, not connecting")
			return ErrNotReady
		}
		if err := t.swd.ConnectMultidrop(target); err == nil {
			return nil
		}
	}
	return t.swd.ResetConnect(V2)
}

// handleRequest services one local command and replies on the request's
// channel.
func (t *Target) handleRequest(request *Request) {
	cmd := request.Command
	log.Tracef("[TARGET] handling request kind %d", cmd.Kind)
	var response Response

	switch cmd.Kind {
	case CmdGetStatus:
		response.Status = &Status{
			Connected: t.swd.Connected(),
			Version:   t.swd.ResetVersion(),
			Mcu:       t.swd.Mcu().String(),
			Settings:  t.settings,
		}
		response.Status.IDCode, _ = t.swd.IDCode()

	case CmdGetDetails:
		if mcu := t.swd.Mcu(); mcu != nil {
			response.Mcu = mcu
		} else {
			response.Err = ErrNotReady
		}

	case CmdReset:
		previous := t.swd.Connected()
		t.connect()
		if !t.swd.Connected() {
			response.Err = ErrNotReady
			if previous {
				t.checkDisconnected()
			}
		}

	case CmdClearErrors:
		response.Err = t.swd.ClearErrors()

	case CmdGetErrors:
		status, err := t.swd.ReadCtrlStat()
		if err != nil {
			response.Err = err
		} else {
			states := status.ErrorStates()
			response.Errors = &states
		}

	case CmdReadMem:
		response.Data, response.Err = t.swd.ReadMem(cmd.Addr)

	case CmdWriteMem:
		response.Err = t.swd.WriteMem(cmd.Addr, cmd.Data)

	case CmdReadMemBulk:
		buf := make([]uint32, cmd.Count)
		n, err := t.swd.ReadMemBulk(cmd.Addr, buf, cmd.Fast)
		response.Words = buf[:n]
		response.Err = err

	case CmdWriteMemBulk:
		_, response.Err = t.swd.WriteMemBulk(cmd.Addr, cmd.Words, cmd.Fast)

	case CmdUnlockFlash:
		response.Err = t.swd.UnlockFlash()

	case CmdLockFlash:
		response.Err = t.swd.LockFlash()

	case CmdEraseSector:
		response.Err = t.swd.EraseSector(cmd.Sector)

	case CmdEraseAll:
		response.Err = t.swd.EraseAll()

	case CmdWriteFlashWord:
		response.Err = t.swd.WriteFlashWord(cmd.Addr, cmd.Data)

	case CmdWriteFlashBulk:
		response.Err = t.swd.WriteFlashBulk(cmd.Addr, cmd.Words)

	case CmdGetSpeed:
		response.Speed = t.settings.Speed

	case CmdSetSpeed:
		t.settings.Speed = cmd.Speed
		t.swd.SetSpeed(cmd.Speed)
		response.Speed = cmd.Speed

	case CmdUpdateSettings:
		if cmd.Settings == nil {
			response.Err = ErrApi
			break
		}
		t.settings = *cmd.Settings
		t.swd.SetSpeed(t.settings.Speed)
		if cmd.Source == SettingsFlash {
			response.Err = t.saveSettings()
		}

	case CmdRawReset:
		if err := t.swd.ResetConnect(V1); err != nil {
			response.Err = t.swd.ResetConnect(V2)
		}

	case CmdRawReadDp:
		response.Data, response.Err = t.swd.ReadDP(cmd.Reg)

	case CmdRawWriteDp:
		response.Err = t.swd.WriteDP(cmd.Reg, cmd.Data)

	case CmdRawReadAp:
		response.Data, response.Err = t.swd.ReadAP(cmd.ApIndex, cmd.Reg)

	case CmdRawWriteAp:
		response.Err = t.swd.WriteAP(cmd.ApIndex, cmd.Reg, cmd.Data)

	case CmdRawReadApBulk:
		if cmd.Count < 0 || cmd.Count > MaxWordCount {
			response.Err = ErrApi
			break
		}
		buf := make([]uint32, cmd.Count)
		n, err := t.swd.BulkReadAP(cmd.ApIndex, cmd.Reg, buf, cmd.Fast)
		response.Words = buf[:n]
		response.Err = err

	case CmdRawWriteApBulk:
		if len(cmd.Words) > MaxWordCount {
			response.Err = ErrApi
			break
		}
		_, response.Err = t.swd.BulkWriteAP(cmd.ApIndex, cmd.Reg, cmd.Words, cmd.Fast)

	default:
		response.Err = ErrApi
	}

	request.Reply <- response
}

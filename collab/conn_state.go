package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ConnectionState is the transient, observable link state. It is never
// persisted and resets to (connected, 0, 0) on every successful connect.
type ConnectionState struct {
	Status           ConnectionStatus
	Attempt          int
	CountdownSeconds int
}

// ConnectFunc performs one (re)connect handshake. A nil return means the
// link is up.
type ConnectFunc func(ctx context.Context) error

type ConnectionMachineSettings struct {
	// scheduled wait before automatic retry k (1-based) is
	// BackoffDelays[min(k-1, len-1)]
	BackoffDelays []time.Duration
	// cosmetic countdown resolution. The countdown is for display only
	// and never drifts the retry timer.
	CountdownInterval time.Duration
}

func DefaultConnectionMachineSettings() *ConnectionMachineSettings {
	return &ConnectionMachineSettings{
		BackoffDelays: []time.Duration{
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		},
		CountdownInterval: 1 * time.Second,
	}
}

// ConnectionMachine tracks link health and drives reconnection.
//
// States: connected (initial, terminal-stable), connecting (transient
// while an attempt runs), disconnected (link loss or failed attempt).
// The first automatic attempt after link loss runs immediately; each
// failed attempt schedules the next one on the backoff table. A manual
// Retry bypasses the scheduled wait and resets the attempt counter.
// Every transition cancels the timers of the previous state.
type ConnectionMachine struct {
	ctx    context.Context
	cancel context.CancelFunc

	connect  ConnectFunc
	settings *ConnectionMachineSettings

	stateLock        sync.Mutex
	status           ConnectionStatus
	attempt          int
	countdownSeconds int
	// cancels the retry timer and countdown ticker of the current state
	stateCancel context.CancelFunc

	statusCallbacks *CallbackList[func(ConnectionState)]
	monitor         *Monitor
}

func NewConnectionMachineWithDefaults(ctx context.Context, connect ConnectFunc) *ConnectionMachine {
	return NewConnectionMachine(ctx, connect, DefaultConnectionMachineSettings())
}

func NewConnectionMachine(ctx context.Context, connect ConnectFunc, settings *ConnectionMachineSettings) *ConnectionMachine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionMachine{
		ctx:             cancelCtx,
		cancel:          cancel,
		connect:         connect,
		settings:        settings,
		status:          StatusConnected,
		statusCallbacks: NewCallbackList[func(ConnectionState)](),
		monitor:         NewMonitor(),
	}
}

func (self *ConnectionMachine) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return ConnectionState{
		Status:           self.status,
		Attempt:          self.attempt,
		CountdownSeconds: self.countdownSeconds,
	}
}

func (self *ConnectionMachine) Status() ConnectionStatus {
	return self.State().Status
}

func (self *ConnectionMachine) AddStatusCallback(callback func(ConnectionState)) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *ConnectionMachine) StateMonitor() *Monitor {
	return self.monitor
}

// Disconnected signals transport close or a detected network-offline
// condition. The first reconnect attempt starts immediately.
func (self *ConnectionMachine) Disconnected() {
	self.stateLock.Lock()
	if self.status != StatusConnected {
		self.stateLock.Unlock()
		return
	}
	self.setStatus(StatusDisconnected, 0)
	self.stateLock.Unlock()

	self.beginAttempt()
}

// Retry is a manual reconnect request. It resets the attempt counter and
// bypasses any scheduled wait.
func (self *ConnectionMachine) Retry() {
	self.stateLock.Lock()
	if self.status == StatusConnected {
		self.stateLock.Unlock()
		return
	}
	self.attempt = 0
	self.stateLock.Unlock()

	self.beginAttempt()
}

func (self *ConnectionMachine) Close() {
	self.cancel()
}

// scheduled wait before automatic retry, where attempt counts prior
// failed attempts starting at 1
func (self *ConnectionMachine) retryDelay(attempt int) time.Duration {
	delays := self.settings.BackoffDelays
	i := attempt - 1
	if len(delays) <= i {
		i = len(delays) - 1
	}
	if i < 0 {
		i = 0
	}
	return delays[i]
}

func (self *ConnectionMachine) beginAttempt() {
	self.stateLock.Lock()
	if self.status == StatusConnecting {
		self.stateLock.Unlock()
		return
	}
	self.setStatus(StatusConnecting, 0)
	self.stateLock.Unlock()

	go func() {
		err := self.connect(self.ctx)
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		if err == nil {
			self.connected()
		} else {
			self.attemptFailed(err)
		}
	}()
}

func (self *ConnectionMachine) connected() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.attempt = 0
	self.setStatus(StatusConnected, 0)
}

func (self *ConnectionMachine) attemptFailed(err error) {
	self.stateLock.Lock()

	self.attempt += 1
	delay := self.retryDelay(self.attempt)
	countdownSeconds := int((delay + time.Second - 1) / time.Second)
	self.setStatus(StatusDisconnected, countdownSeconds)
	stateCtx, stateCancel := context.WithCancel(self.ctx)
	self.stateCancel = stateCancel
	attempt := self.attempt

	self.stateLock.Unlock()

	glog.Infof("[c]attempt %d failed = %s, next in %s\n", attempt, err, delay)

	// retry timer
	go func() {
		select {
		case <-stateCtx.Done():
			return
		case <-time.After(delay):
		}
		self.beginAttempt()
	}()

	// cosmetic countdown, independent of the retry timer
	go func() {
		for {
			select {
			case <-stateCtx.Done():
				return
			case <-time.After(self.settings.CountdownInterval):
			}
			self.stateLock.Lock()
			if 0 < self.countdownSeconds {
				self.countdownSeconds -= 1
			}
			self.stateLock.Unlock()
			self.monitor.NotifyAll()
		}
	}()
}

// must be called with stateLock held. Cancels the previous state's timers.
func (self *ConnectionMachine) setStatus(status ConnectionStatus, countdownSeconds int) {
	if self.stateCancel != nil {
		self.stateCancel()
		self.stateCancel = nil
	}
	self.status = status
	self.countdownSeconds = countdownSeconds
	state := ConnectionState{
		Status:           status,
		Attempt:          self.attempt,
		CountdownSeconds: countdownSeconds,
	}

	glog.V(1).Infof("[c]%s attempt=%d\n", status, state.Attempt)

	for _, callback := range self.statusCallbacks.Get() {
		callback := callback
		go safeCall("[c]status", func() {
			callback(state)
		})
	}
	self.monitor.NotifyAll()
}

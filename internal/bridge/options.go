package bridge

import "time"

// Default timeouts.
const (
	DefaultHandshakeTimeout     = 30 * time.Second
	DefaultSlowHandshakeTimeout = 120 * time.Second
	DefaultSessionTimeout       = 30 * time.Second
	DefaultAuthTimeout          = 30 * time.Second
	DefaultPermissionTimeout    = 300 * time.Second

	defaultHealthInterval = time.Second
	defaultStopGrace      = 500 * time.Millisecond
	commandQueueSize      = 32
)

// Options tunes a Bridge. Zero fields take the defaults above.
type Options struct {
	HandshakeTimeout     time.Duration
	SlowHandshakeTimeout time.Duration
	SessionTimeout       time.Duration
	AuthTimeout          time.Duration
	PermissionTimeout    time.Duration

	// ClientName and ClientVersion are sent in the handshake.
	ClientName    string
	ClientVersion string

	healthInterval time.Duration
	stopGrace      time.Duration
	launch         launchFunc
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.SlowHandshakeTimeout <= 0 {
		o.SlowHandshakeTimeout = DefaultSlowHandshakeTimeout
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.PermissionTimeout <= 0 {
		o.PermissionTimeout = DefaultPermissionTimeout
	}
	if o.ClientName == "" {
		o.ClientName = "agentbridge"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
	if o.healthInterval <= 0 {
		o.healthInterval = defaultHealthInterval
	}
	if o.stopGrace <= 0 {
		o.stopGrace = defaultStopGrace
	}
	if o.launch == nil {
		o.launch = launchSubprocess
	}
	return o
}

package notify

import (
	"context"
	"encoding/json"

	"homedir/internal/clock"
	"homedir/internal/eventbus"
	"homedir/internal/persist"
	logx "homedir/pkg/logx"
)

// Lane is the persistence lane as seen by the dispatcher (*persist.Lane).
type Lane interface {
	Submit(persist.Job) error
	Pending() int
}

// UserPublisher pushes a payload to every live session of one user.
type UserPublisher interface {
	Send(ctx context.Context, user string, payload []byte) (delivered, failed int)
}

// GlobalPublisher pushes a payload to every live global session.
type GlobalPublisher interface {
	Broadcast(ctx context.Context, payload []byte) (delivered, failed int)
}

type options struct {
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	diskDir string
	user    UserPublisher
	global  GlobalPublisher
}

type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

func WithBus(b eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// WithDiskDir sets the directory inspected by the disk guard.
func WithDiskDir(dir string) Option { return func(o *options) { o.diskDir = dir } }

func WithUserPublisher(p UserPublisher) Option { return func(o *options) { o.user = p } }

func WithGlobalPublisher(p GlobalPublisher) Option { return func(o *options) { o.global = p } }

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	o.clock = clock.Or(o.clock)
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.bus == nil {
		o.bus = eventbus.Nop{}
	}
	return o
}

// Envelope wraps pushed payloads so one socket can carry several kinds.
type Envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

const (
	KindNotification = "notification"
	KindGlobal       = "global"
)

func EncodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindNotification, Data: n})
}

func EncodeGlobal(g GlobalNotification) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindGlobal, Data: g})
}

type userSnapshot struct {
	UserID        string         `json:"user_id"`
	Notifications []Notification `json:"notifications"`
}

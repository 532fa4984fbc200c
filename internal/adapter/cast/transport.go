package cast

import (
	"sync"

	gocast "github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// envelope is one inbound message stripped of the protobuf framing.
type envelope struct {
	Namespace   string
	Source      string
	Destination string
	Payload     string
}

// transport is the part of the cast library the client depends on.
type transport interface {
	Start(addr string, port int) error
	Send(requestID int, payload gocast.Payload, sourceID, destinationID, namespace string) error
	Messages() <-chan envelope
	Close() error
}

// libTransport adapts a go-chromecast connection (TLS plus the protobuf
// CastMessage envelope) to transport.
type libTransport struct {
	conn *gocast.Connection
	out  chan envelope
	done chan struct{}
	once sync.Once
}

func dialLibrary() transport {
	return &libTransport{
		conn: gocast.NewConnection(),
		out:  make(chan envelope, 16),
		done: make(chan struct{}),
	}
}

func (l *libTransport) Start(addr string, port int) error {
	if err := l.conn.Start(addr, port); err != nil {
		return err
	}
	go l.forward(l.conn.MsgChan())
	return nil
}

func (l *libTransport) forward(in chan *pb.CastMessage) {
	defer close(l.out)
	for {
		select {
		case <-l.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			env := envelope{
				Namespace:   msg.GetNamespace(),
				Source:      msg.GetSourceId(),
				Destination: msg.GetDestinationId(),
				Payload:     msg.GetPayloadUtf8(),
			}
			select {
			case l.out <- env:
			case <-l.done:
				return
			}
		}
	}
}

func (l *libTransport) Send(requestID int, payload gocast.Payload, sourceID, destinationID, namespace string) error {
	return l.conn.Send(requestID, payload, sourceID, destinationID, namespace)
}

func (l *libTransport) Messages() <-chan envelope { return l.out }

func (l *libTransport) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

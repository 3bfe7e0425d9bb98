//	Package daemon is the serving end of the dispatch protocol: it accepts
//	links, runs each request through a Servant and writes the replies.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/op/go-logging"

	klog "krypt.co/dispatch/common/log"
	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
	. "krypt.co/dispatch/common/util"
	"krypt.co/dispatch/common/version"
)

var ErrUnknownOperation = errors.New("unknown operation")

//	Servant runs one request. A returned error becomes a user-error reply,
//	or unknown-operation when it wraps ErrUnknownOperation.
type Servant func(ctx context.Context, req *protocol.Frame) (payload []byte, err error)

type Server struct {
	listener transport.Listener
	servant  Servant
	codec    protocol.FrameCodec
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	links    map[transport.Link]struct{}
	wg       sync.WaitGroup
}

func NewServer(listener transport.Listener, servant Servant, codec protocol.FrameCodec, log *logging.Logger) *Server {
	if codec == nil {
		codec = protocol.MustFrameCodec("cbor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listener: listener,
		servant:  servant,
		codec:    codec,
		log:      klog.Or(log, "daemon"),
		ctx:      ctx,
		cancel:   cancel,
		links:    map[transport.Link]struct{}{},
	}
}

func (s *Server) Addr() string {
	return s.listener.Addr()
}

//	Serve accepts links until the listener closes.
func (s *Server) Serve() (err error) {
	s.log.Notice("serving on", s.listener.Addr())
	for {
		var link transport.Link
		link, err = s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				err = nil
			}
			return
		}
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			link.Close()
			return
		}
		s.links[link] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			RecoverToLog(func() { s.serveLink(link) }, s.log)
		}()
	}
}

func (s *Server) Start() {
	go RecoverToLog(func() {
		if err := s.Serve(); err != nil {
			s.log.Error("serve:", err)
		}
	}, s.log)
}

//	Stop closes the listener and every open link, and waits for running
//	requests to finish.
func (s *Server) Stop() (err error) {
	s.cancel()
	err = s.listener.Close()
	s.mu.Lock()
	s.stopping = true
	for link := range s.links {
		link.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return
}

type linkWriter struct {
	sync.Mutex
	link transport.Link
}

func (s *Server) serveLink(link transport.Link) {
	defer func() {
		s.mu.Lock()
		delete(s.links, link)
		s.mu.Unlock()
		link.Close()
	}()
	s.log.Info("accepted link from", link.RemoteAddr())
	writer := &linkWriter{link: link}
	var requests sync.WaitGroup
	defer requests.Wait()
	for {
		data, err := link.Read()
		if err != nil {
			s.log.Info("link", link.RemoteAddr(), "closed:", err)
			return
		}
		var frame protocol.Frame
		if err = s.codec.Decode(data, &frame); err != nil {
			s.log.Error("undecodable frame from", link.RemoteAddr(), ":", err)
			return
		}
		switch frame.Kind {
		case protocol.KindRequest:
			requests.Add(1)
			go func() {
				defer requests.Done()
				RecoverToLog(func() { s.handleRequest(writer, &frame) }, s.log)
			}()
		case protocol.KindBatch:
			//	members run in order, on the link's goroutine
			s.handleBatch(&frame)
		default:
			s.log.Warning("ignoring frame kind", frame.Kind, "from", link.RemoteAddr())
		}
	}
}

func (s *Server) handleBatch(frame *protocol.Frame) {
	if !version.CompatibleString(frame.Protocol) {
		s.log.Error("dropping batch with incompatible protocol", frame.Protocol)
		return
	}
	s.log.Info("batch of", len(frame.Batch), "requests")
	for i := range frame.Batch {
		member := &frame.Batch[i]
		if member.Protocol == "" {
			member.Protocol = frame.Protocol
		}
		if _, err := s.run(member); err != nil {
			s.log.Warning("batched", member.Operation, "failed:", err)
		}
	}
}

func (s *Server) handleRequest(writer *linkWriter, req *protocol.Frame) {
	reply := protocol.Frame{
		Kind:      protocol.KindReply,
		RequestID: req.RequestID,
		Protocol:  version.PROTOCOL_VERSION.String(),
	}
	if !version.CompatibleString(req.Protocol) {
		reply.Status = protocol.StatusProtocolError
		reply.Message = fmt.Sprintf("unsupported protocol %q", req.Protocol)
	} else {
		payload, err := s.run(req)
		switch {
		case errors.Is(err, ErrUnknownOperation):
			reply.Status = protocol.StatusUnknownOperation
			reply.Message = err.Error()
		case err != nil:
			reply.Status = protocol.StatusUserError
			reply.Message = err.Error()
		default:
			reply.Payload = payload
		}
	}
	if req.RequestID == 0 {
		return
	}
	data, err := s.codec.Encode(&reply)
	if err != nil {
		s.log.Error("encode reply:", err)
		return
	}
	writer.Lock()
	err = writer.link.Write(data)
	writer.Unlock()
	if err != nil {
		s.log.Error("write reply for", req.Operation, ":", err)
	}
}

func (s *Server) run(req *protocol.Frame) (payload []byte, err error) {
	if s.servant == nil {
		err = fmt.Errorf("%w: %s", ErrUnknownOperation, req.Operation)
		return
	}
	if panicErr := Recover("operation "+req.Operation, func() {
		payload, err = s.servant(s.ctx, req)
	}, s.log); panicErr != nil {
		payload, err = nil, panicErr
	}
	return
}

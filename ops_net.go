package uring

import (
	"unsafe"

	"github.com/ehrlich-b/go-uring/internal/uapi"
	"golang.org/x/sys/unix"
)

const (
	epollCtlAdd = uint32(unix.EPOLL_CTL_ADD)
	epollCtlDel = uint32(unix.EPOLL_CTL_DEL)
	epollCtlMod = uint32(unix.EPOLL_CTL_MOD)
)

// Accept takes a connection from a listening socket. Addr and AddrLen
// receive the peer address when non-nil. A Direct table slot installs the
// new socket there instead of returning a descriptor.
type Accept struct {
	Listener  Listener
	Addr      *unix.RawSockaddrAny
	AddrLen   *uint32
	Flags     int
	Direct    Resource
	Multishot bool
}

func (Accept) Kind() Kind { return KindAccept }

func (o Accept) encode(e *encoder) {
	e.resource(o.Listener.Resource)
	if o.Addr != nil {
		if o.AddrLen == nil {
			e.fail("peer address needs a length")
		}
		e.sqe.Addr = addrOf(o.Addr)
		e.sqe.Off = addrOf(o.AddrLen)
	}
	e.sqe.OpFlags = uint32(o.Flags)
	e.direct(o.Direct)
	if o.Multishot {
		e.sqe.IoPrio |= uapi.IORING_ACCEPT_MULTISHOT
	}
}

func (o Accept) retain(r *retainer) {
	keepUntilComplete(r, o.Addr)
	keepUntilComplete(r, o.AddrLen)
}

// Connect connects a socket to Addr.
type Connect struct {
	Socket  Socket
	Addr    *unix.RawSockaddrAny
	AddrLen uint32
}

func (Connect) Kind() Kind { return KindConnect }

func (o Connect) encode(e *encoder) {
	e.resource(o.Socket.Resource)
	if o.Addr == nil || o.AddrLen == 0 {
		e.fail("address is required")
	}
	e.sqe.Addr = addrOf(o.Addr)
	e.sqe.Off = uint64(o.AddrLen)
}

func (o Connect) retain(r *retainer) { keepUntilSubmit(r, o.Addr) }

// Send transmits Buf on a socket (send(2) flags).
type Send struct {
	Socket Socket
	Buf    []byte
	Flags  int
}

func (Send) Kind() Kind { return KindSend }

func (o Send) encode(e *encoder) {
	e.resource(o.Socket.Resource)
	e.buffer(o.Buf)
	e.sqe.OpFlags = uint32(o.Flags)
}

func (o Send) retain(r *retainer) { keepBytes(r, o.Buf) }

// Receive reads from a socket into Buf, or into provided buffers when
// Select is set. Multishot keeps receiving until cancelled and needs Select.
type Receive struct {
	Socket    Socket
	Buf       []byte
	Flags     int
	Select    *BufferSelection
	Multishot bool
}

func (Receive) Kind() Kind { return KindReceive }

func (o Receive) encode(e *encoder) {
	e.resource(o.Socket.Resource)
	if !e.selection(o.Select, o.Buf) {
		e.buffer(o.Buf)
	}
	if o.Multishot {
		if o.Select == nil {
			e.fail("multishot receive needs buffer selection")
		}
		e.sqe.IoPrio |= uapi.IORING_RECV_MULTISHOT
	}
	e.sqe.OpFlags = uint32(o.Flags)
}

func (o Receive) retain(r *retainer) { keepBytes(r, o.Buf) }

func encodeMsghdr(e *encoder, msg *unix.Msghdr, flags int) {
	if msg == nil {
		e.fail("message header is required")
	}
	e.sqe.Addr = addrOf(msg)
	e.sqe.Len = 1
	e.sqe.OpFlags = uint32(flags)
}

func msgIovecs(msg *unix.Msghdr) []unix.Iovec {
	if msg == nil || msg.Iov == nil || msg.Iovlen == 0 {
		return nil
	}
	return unsafe.Slice(msg.Iov, msg.Iovlen)
}

// SendMessage transmits a message header (sendmsg(2)).
type SendMessage struct {
	Socket Socket
	Msg    *unix.Msghdr
	Flags  int
}

func (SendMessage) Kind() Kind { return KindSendMessage }

func (o SendMessage) encode(e *encoder) {
	e.resource(o.Socket.Resource)
	encodeMsghdr(e, o.Msg, o.Flags)
}

func (o SendMessage) retain(r *retainer) {
	if o.Msg == nil {
		return
	}
	keepUntilSubmit(r, o.Msg)
	keepUntilSubmit(r, o.Msg.Name)
	keepUntilSubmit(r, o.Msg.Control)
	retainIovecs(r, msgIovecs(o.Msg))
}

// ReceiveMessage receives into a message header (recvmsg(2)). The engine
// writes the header back on completion.
type ReceiveMessage struct {
	Socket Socket
	Msg    *unix.Msghdr
	Flags  int
}

func (ReceiveMessage) Kind() Kind { return KindReceiveMessage }

func (o ReceiveMessage) encode(e *encoder) {
	e.resource(o.Socket.Resource)
	encodeMsghdr(e, o.Msg, o.Flags)
}

func (o ReceiveMessage) retain(r *retainer) {
	if o.Msg == nil {
		return
	}
	keepUntilComplete(r, o.Msg)
	keepUntilComplete(r, o.Msg.Name)
	keepUntilComplete(r, o.Msg.Control)
	iov := msgIovecs(o.Msg)
	if len(iov) > 0 {
		keepUntilComplete(r, &iov[0])
	}
	for i := range iov {
		keepUntilComplete(r, iov[i].Base)
	}
}

// Shutdown shuts down part of a full-duplex connection (SHUT_RD, ...).
type Shutdown struct {
	Socket Socket
	How    int
}

func (Shutdown) Kind() Kind { return KindShutdown }

func (o Shutdown) encode(e *encoder) {
	e.resource(o.Socket.Resource)
	e.sqe.Len = uint32(o.How)
}

func (Shutdown) retain(r *retainer) {}

// PollAdd completes when Res becomes ready for Events (POLLIN, ...).
type PollAdd struct {
	Res       Resource
	Events    uint32
	Multishot bool
}

func (PollAdd) Kind() Kind { return KindPollAdd }

func (o PollAdd) encode(e *encoder) {
	e.resource(o.Res)
	e.sqe.OpFlags = o.Events
	if o.Multishot {
		e.sqe.Len = uapi.IORING_POLL_ADD_MULTI
	}
}

func (PollAdd) retain(r *retainer) {}

// PollRemove removes the poll identified by Target.
type PollRemove struct {
	Target Token
}

func (PollRemove) Kind() Kind { return KindPollRemove }

func (o PollRemove) encode(e *encoder) {
	e.noResource()
	e.sqe.Addr = e.target(o.Target)
}

func (PollRemove) retain(r *retainer) {}

// EventChannelAdd registers Target with the epoll instance Epoll.
type EventChannelAdd struct {
	Epoll  Resource
	Target int
	Event  *unix.EpollEvent
}

func (EventChannelAdd) Kind() Kind { return KindEventChannelAdd }

func (o EventChannelAdd) encode(e *encoder) {
	encodeEpollCtl(e, o.Epoll, o.Target, epollCtlAdd, o.Event, true)
}

func (o EventChannelAdd) retain(r *retainer) { keepUntilSubmit(r, o.Event) }

// EventChannelModify changes the event mask of Target.
type EventChannelModify struct {
	Epoll  Resource
	Target int
	Event  *unix.EpollEvent
}

func (EventChannelModify) Kind() Kind { return KindEventChannelModify }

func (o EventChannelModify) encode(e *encoder) {
	encodeEpollCtl(e, o.Epoll, o.Target, epollCtlMod, o.Event, true)
}

func (o EventChannelModify) retain(r *retainer) { keepUntilSubmit(r, o.Event) }

// EventChannelDelete removes Target from the epoll instance.
type EventChannelDelete struct {
	Epoll  Resource
	Target int
}

func (EventChannelDelete) Kind() Kind { return KindEventChannelDelete }

func (o EventChannelDelete) encode(e *encoder) {
	encodeEpollCtl(e, o.Epoll, o.Target, epollCtlDel, nil, false)
}

func (EventChannelDelete) retain(r *retainer) {}

func encodeEpollCtl(e *encoder, epoll Resource, target int, op uint32, ev *unix.EpollEvent, needEvent bool) {
	e.absolute(epoll)
	if needEvent && ev == nil {
		e.fail("event is required")
	}
	if target < 0 {
		e.fail("invalid target descriptor %d", target)
	}
	e.sqe.Len = op
	e.sqe.Off = uint64(target)
	if ev != nil {
		e.sqe.Addr = addrOf(ev)
	}
}

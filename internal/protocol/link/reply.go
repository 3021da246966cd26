package link

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/observability"
	"github.com/danmuck/m1n1ctl/internal/protocol"
	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
)

func knownType(typ uint32) bool {
	switch typ {
	case protocol.ReqNop, protocol.ReqProxy, protocol.ReqMemRead,
		protocol.ReqMemWrite, protocol.ReqBoot, protocol.ReqEvent:
		return true
	}
	return false
}

// reply scans the stream for the next frame of type want. Bytes outside a
// frame go to the console sink. EVENT frames and unsolicited BOOT frames are
// dispatched to their handlers and scanning continues.
func (l *Link) reply(ctx context.Context, want uint32) (frame.Reply, error) {
	held := make([]byte, 0, 4)
	for {
		b, err := l.read(ctx, 1, l.timeout, "reply")
		if err != nil {
			l.console.write(held)
			return frame.Reply{}, fmt.Errorf("link: waiting for %s reply: %w", protocol.TypeName(want), err)
		}
		c := b[0]
		if len(held) < len(protocol.SyncPrefix) {
			if c == protocol.SyncPrefix[len(held)] {
				held = append(held, c)
				continue
			}
			l.console.write(held)
			held = held[:0]
			if c == protocol.SyncPrefix[0] {
				held = append(held, c)
			} else {
				l.console.write([]byte{c})
			}
			continue
		}

		head := append(append(make([]byte, 0, 4), held...), c)
		typ := binary.LittleEndian.Uint32(head)
		held = held[:0]
		if !knownType(typ) {
			l.console.write(head)
			continue
		}
		if typ == protocol.ReqEvent {
			if err := l.readEvent(ctx, head); err != nil {
				return frame.Reply{}, err
			}
			continue
		}

		rest, err := l.read(ctx, protocol.ReplyLen-4, l.timeout, "reply")
		if err != nil {
			return frame.Reply{}, fmt.Errorf("link: %s reply body: %w", protocol.TypeName(typ), err)
		}
		raw := append(head[:4:4], rest...)
		if logging.TraceEnabled() {
			logging.Tracef("link.Link recv type=%s frame=%x", protocol.TypeName(typ), raw)
		}
		r, err := frame.DecodeReply(raw)
		if err != nil {
			return frame.Reply{}, err
		}
		if r.Type != want {
			if r.Type == protocol.ReqBoot {
				l.dispatchBoot(r)
				continue
			}
			return frame.Reply{}, fmt.Errorf("%w: expected=%s got=%s", ErrReplyMismatch, protocol.TypeName(want), protocol.TypeName(r.Type))
		}
		if r.Type == protocol.ReqBoot {
			if info, err := frame.DecodeBootInfo(r.Data[:]); err == nil {
				observability.RecordBootFrame(info.Reason.String())
			}
		}
		if r.Status != protocol.StatusOK {
			return r, &RemoteStatusError{Type: r.Type, Status: r.Status}
		}
		return r, nil
	}
}

func (l *Link) readEvent(ctx context.Context, head []byte) error {
	rest, err := l.read(ctx, protocol.EventHeaderLen-4, l.timeout, "event")
	if err != nil {
		return fmt.Errorf("link: event header: %w", err)
	}
	hdrBytes := append(head[:4:4], rest...)
	hdr, err := frame.DecodeEventHeader(hdrBytes)
	if err != nil {
		return err
	}
	data, err := l.readBulk(ctx, int(hdr.Len), "event")
	if err != nil {
		return fmt.Errorf("link: event data: %w", err)
	}
	trailer, err := l.read(ctx, 4, l.timeout, "event")
	if err != nil {
		return fmt.Errorf("link: event checksum: %w", err)
	}
	if err := frame.VerifyEvent(hdrBytes, data, binary.LittleEndian.Uint32(trailer), l.dataCsumsDisabled()); err != nil {
		return err
	}

	l.mu.RLock()
	h := l.eventHandlers[hdr.EventType]
	l.mu.RUnlock()
	if h == nil {
		logging.Debugf("link.Link event dropped type=%s len=%d", hdr.EventType, hdr.Len)
		return nil
	}
	h(hdr.EventType, data)
	return nil
}

func (l *Link) dispatchBoot(r frame.Reply) {
	info, err := frame.DecodeBootInfo(r.Data[:])
	if err != nil {
		logging.Warnf("link.Link boot frame undecodable err=%v", err)
		return
	}
	observability.RecordBootFrame(info.Reason.String())
	l.mu.RLock()
	h, ok := l.bootHandlers[bootKey{info.Reason, info.Code}]
	if !ok {
		h = l.bootHandlers[bootKey{info.Reason, AnyCode}]
	}
	l.mu.RUnlock()
	if h == nil {
		logging.Warnf("link.Link unsolicited boot reason=%s code=%s info=%#x", info.Reason, info.Code, info.Info)
		return
	}
	h(info)
}

package ipc

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"histd/internal/filter"
	"histd/internal/history"
	"histd/internal/store"
)

// Syncer is the part of the sync engine the handler needs.
type Syncer interface {
	Sync() error
}

// DaemonHandler answers requests against the live store. It is the
// only writer of local events; appendMu keeps sequence assignment and
// durable enqueue one atomic step, so the persisted order across
// concurrent connections always equals the sequence order.
type DaemonHandler struct {
	Version    string
	SocketPath string
	StartedAt  time.Time

	appendMu sync.Mutex

	Store   *store.Store
	Writer  *store.Writer
	Filters *filter.Filter
	Sync    Syncer // nil when no replication root is configured

	// OnShutdown is invoked after a shutdown request is acknowledged.
	OnShutdown func()

	Log *slog.Logger
}

func (h *DaemonHandler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// HandleMessage dispatches one request frame.
func (h *DaemonHandler) HandleMessage(ctx context.Context, msg *Message, send func(*Message) error) error {
	switch msg.Header.Type {
	case MsgAppend:
		return h.handleAppend(msg, send)
	case MsgSearch:
		return h.handleSearch(msg, send)
	case MsgPrevEvent, MsgNextEvent:
		return h.handleStep(msg, send)
	case MsgStatus:
		return h.handleStatus(msg, send)
	case MsgSyncNow:
		return h.handleSyncNow(msg, send)
	case MsgShutdown:
		return h.handleShutdown(msg, send)
	default:
		return send(NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "unknown message type"))
	}
}

func (h *DaemonHandler) handleAppend(msg *Message, send func(*Message) error) error {
	var req AppendRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return send(NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid append request"))
	}
	if strings.TrimSpace(req.Command) == "" {
		return send(NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "empty command"))
	}

	// Acknowledged before durable; the writer flushes in the
	// background and synchronously on shutdown.
	h.appendMu.Lock()
	e := h.Store.AppendLocal(history.Event{
		Command:   req.Command,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		ExitCode:  req.ExitCode,
		Folder:    req.Folder,
		Session:   req.Session,
	})
	h.Writer.Enqueue(e)
	h.appendMu.Unlock()

	resp, err := NewResponse(MsgAppendResp, msg.Header.RequestID, &AppendResponse{Sequence: e.Sequence})
	if err != nil {
		return err
	}
	return send(resp)
}

func (h *DaemonHandler) handleSearch(msg *Message, send func(*Message) error) error {
	var req SearchRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return send(NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid search request"))
	}

	id := msg.Header.RequestID
	endFrame := NewMessage(MsgSearchResult, id, nil)
	endFrame.Header.Flags |= FlagStreamEnd

	if req.Mode == store.ModeAggregated {
		events := h.Store.Events(store.Query{Mode: store.ModeAll, Text: req.Query})
		events = h.dropHidden(events, req.FilterIgnored)
		aggs := history.Aggregate(events, nil, time.Now())
		if req.MaxResults > 0 && len(aggs) > req.MaxResults {
			aggs = aggs[:req.MaxResults]
		}
		for i := range aggs {
			frame, err := NewResponse(MsgSearchResult, id, &SearchResult{Aggregated: &aggs[i]})
			if err != nil {
				return err
			}
			if err := send(frame); err != nil {
				return nil // client gone
			}
		}
		return send(endFrame)
	}

	events := h.Store.Events(store.Query{
		Mode:    req.Mode,
		Text:    req.Query,
		Session: req.Session,
		Folder:  req.Folder,
		Limit:   req.MaxResults,
	})
	events = h.dropHidden(events, req.FilterIgnored)
	for i := range events {
		frame, err := NewResponse(MsgSearchResult, id, &SearchResult{Event: &events[i]})
		if err != nil {
			return err
		}
		if err := send(frame); err != nil {
			return nil
		}
	}
	return send(endFrame)
}

func (h *DaemonHandler) dropHidden(events []history.Event, apply bool) []history.Event {
	if !apply || h.Filters == nil {
		return events
	}
	out := events[:0]
	for _, e := range events {
		if !h.Filters.Hidden(e.Command) {
			out = append(out, e)
		}
	}
	return out
}

func (h *DaemonHandler) handleStep(msg *Message, send func(*Message) error) error {
	var req StepRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return send(NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid step request"))
	}

	var (
		e  history.Event
		ok bool
	)
	if msg.Header.Type == MsgPrevEvent {
		e, ok = h.Store.PreviousEvent(req.Session, req.Prefix, req.ReferenceTime)
	} else {
		e, ok = h.Store.NextEvent(req.Session, req.Prefix, req.ReferenceTime)
	}

	resp := &StepResponse{Found: ok}
	if ok {
		resp.Event = &e
	}
	frame, err := NewResponse(MsgStepResp, msg.Header.RequestID, resp)
	if err != nil {
		return err
	}
	return send(frame)
}

func (h *DaemonHandler) handleStatus(msg *Message, send func(*Message) error) error {
	st := &StatusResponse{
		Version:    h.Version,
		StartedAt:  h.StartedAt,
		Uptime:     time.Since(h.StartedAt).Round(time.Second).String(),
		SocketPath: h.SocketPath,
		Stats:      h.Store.Stats(),
	}
	if h.Writer != nil {
		st.PendingWrites = h.Writer.Pending()
	}
	frame, err := NewResponse(MsgStatusResp, msg.Header.RequestID, st)
	if err != nil {
		return err
	}
	return send(frame)
}

func (h *DaemonHandler) handleSyncNow(msg *Message, send func(*Message) error) error {
	resp := &SyncResponse{}
	if h.Sync == nil {
		resp.Error = "no replication root configured"
	} else if err := h.Sync.Sync(); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Synced = true
	}
	frame, err := NewResponse(MsgSyncResp, msg.Header.RequestID, resp)
	if err != nil {
		return err
	}
	return send(frame)
}

func (h *DaemonHandler) handleShutdown(msg *Message, send func(*Message) error) error {
	h.log().Info("shutdown requested over ipc")
	if err := send(NewMessage(MsgOK, msg.Header.RequestID, nil)); err != nil {
		return nil
	}
	if h.OnShutdown != nil {
		// Off the connection goroutine so Stop can close it.
		go h.OnShutdown()
	}
	return nil
}

package control

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/relayd/internal/localrpc"
	"blitiri.com.ar/go/relayd/internal/trace"
)

// Register exposes s's operations on srv, under the method names used
// by relayctl.
func Register(srv *localrpc.Server, s *Surface) {
	srv.Register("Status", s.rpcStatus)
	srv.Register("Freeze", s.rpcFreeze)
	srv.Register("Send", s.rpcSend)
	srv.Register("Remove", s.rpcRemove)
	srv.Register("Recover", s.rpcRecover)
	srv.Register("SetMaxConcurrentSendJobs", s.rpcSetMaxConcurrentSendJobs)
}

func splitIDs(input url.Values) []string {
	raw := input.Get("ids")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (s *Surface) rpcStatus(tr *trace.Trace, input url.Values) (url.Values, error) {
	st, err := s.Status(context.Background())
	if err != nil {
		return nil, err
	}

	out := url.Values{}
	for _, q := range st.Queues {
		out.Set(string(q.Queue)+"_count", strconv.Itoa(q.Count))
		out.Set(string(q.Queue)+"_oldest", q.OldestAge.String())
	}
	out.Set("generated_at", st.GeneratedAt.Format(time.RFC3339))
	return out, nil
}

func (s *Surface) rpcFreeze(tr *trace.Trace, input url.Values) (url.Values, error) {
	if err := s.Freeze(context.Background(), splitIDs(input)); err != nil {
		return nil, err
	}
	return url.Values{}, nil
}

func (s *Surface) rpcSend(tr *trace.Trace, input url.Values) (url.Values, error) {
	var intervals []time.Duration
	if raw := input.Get("retry_intervals"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			d, err := time.ParseDuration(part)
			if err != nil {
				return nil, fmt.Errorf("bad retry interval %q: %w", part, err)
			}
			intervals = append(intervals, d)
		}
	}
	if err := s.Send(context.Background(), splitIDs(input), intervals); err != nil {
		return nil, err
	}
	return url.Values{}, nil
}

func (s *Surface) rpcRemove(tr *trace.Trace, input url.Values) (url.Values, error) {
	if err := s.Remove(context.Background(), splitIDs(input)); err != nil {
		return nil, err
	}
	return url.Values{}, nil
}

func (s *Surface) rpcRecover(tr *trace.Trace, input url.Values) (url.Values, error) {
	auditRef, err := s.Recover(context.Background(), splitIDs(input))
	if err != nil {
		return nil, err
	}
	out := url.Values{}
	out.Set("audit_ref", auditRef)
	return out, nil
}

func (s *Surface) rpcSetMaxConcurrentSendJobs(tr *trace.Trace, input url.Values) (url.Values, error) {
	n, err := strconv.Atoi(input.Get("n"))
	if err != nil {
		return nil, fmt.Errorf("bad n %q: %w", input.Get("n"), err)
	}
	s.SetMaxConcurrentSendJobs(n)
	return url.Values{}, nil
}

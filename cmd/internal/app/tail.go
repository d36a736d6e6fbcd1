package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatsync/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// TailOptions configures Tail.
type TailOptions struct {
	ConversationID string
	// Send reads lines from In and posts them. "/edit <id> <text>", "/delete <id>" and
	// "/reload" are commands.
	Send bool
	In   io.Reader
	Out  io.Writer

	// Registry receives the session and send metrics. Nil uses a private registry.
	Registry *prometheus.Registry
	// MetricsListener, when set, serves Registry at /metrics for the life of the tail.
	MetricsListener net.Listener
}

// Tail follows one conversation and prints changes to its view until ctx is done or
// the session fails terminally.
func Tail(ctx context.Context, cfg Config, log Logger, opts TailOptions) error {
	convID := strings.TrimSpace(opts.ConversationID)
	if convID == "" {
		return errors.New("tail: empty conversation id")
	}
	if opts.Out == nil {
		return errors.New("tail: nil output")
	}

	b, err := OpenBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	return tailBackend(ctx, cfg, log, b, convID, opts)
}

func tailBackend(ctx context.Context, cfg Config, log Logger, b *Backend, convID string, opts TailOptions) error {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := realtime.NewMetrics(reg)

	var send *realtime.SendPath
	if opts.Send && opts.In != nil {
		var err error
		send, err = realtime.NewSendPath(log, b.Writer, b.Identity,
			realtime.WithMaxContentLength(cfg.MaxContentLength),
			realtime.WithSendMetrics(metrics),
		)
		if err != nil {
			return err
		}
	}

	s, err := realtime.NewSession(log, b.Loader, b.Channel, b.Joiner,
		realtime.WithFetchRetry(cfg.FetchAttempts, cfg.FetchBackoff),
		realtime.WithIdentity(b.Identity),
		realtime.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Activate(convID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return follow(gctx, s, opts.Out) })
	if send != nil {
		g.Go(func() error { return readCommands(gctx, s, send, convID, opts.In, opts.Out) })
	}
	if opts.MetricsListener != nil {
		serveMetrics(gctx, g, log, reg, opts.MetricsListener)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// serveMetrics exposes reg on ln until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, log Logger, reg *prometheus.Registry, ln net.Listener) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Info("tail.metrics.start", "addr", ln.Addr().String())
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// follow prints view changes until ctx is done. A session that falls back to idle
// with an error ends it.
func follow(ctx context.Context, s *realtime.Session, out io.Writer) error {
	r := newRenderer(out)
	for {
		st := s.Status()
		entries, err := s.Entries(ctx)
		if err != nil {
			return err
		}
		r.render(st, entries)
		if st.State == realtime.StateIdle && st.Err != nil {
			return st.Err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Updates():
		}
	}
}

func readCommands(ctx context.Context, s *realtime.Session, send *realtime.SendPath, convID string, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			// Input ended; keep following.
			return err
		case line = <-lines:
		}

		if err := runCommand(ctx, s, send, convID, line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

func runCommand(ctx context.Context, s *realtime.Session, send *realtime.SendPath, convID, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return send.Send(ctx, convID, line, realtime.KindText, nil)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/edit":
		id, content, _ := strings.Cut(rest, " ")
		return send.Edit(ctx, convID, id, content)
	case "/delete":
		return send.Delete(ctx, convID, rest)
	case "/reload":
		return s.Reload()
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// renderer prints the difference between successive views.
type renderer struct {
	out   io.Writer
	shown map[string]realtime.Message
	last  realtime.Status
	first bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, shown: make(map[string]realtime.Message), first: true}
}

func (r *renderer) render(st realtime.Status, entries []realtime.Entry) {
	if r.first || statusChanged(r.last, st) {
		fmt.Fprintln(r.out, statusLine(st))
		r.first = false
		r.last = st
	}
	if st.State != realtime.StateLive {
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ID] = true
		prev, ok := r.shown[e.ID]
		switch {
		case !ok:
			fmt.Fprintln(r.out, messageLine("+", e))
		case prev.Content != e.Content || !prev.UpdatedAt.Equal(e.UpdatedAt):
			fmt.Fprintln(r.out, messageLine("~", e))
		}
		r.shown[e.ID] = e.Message
	}
	for id, m := range r.shown {
		if !seen[id] {
			fmt.Fprintf(r.out, "- %s %s\n", id, sanitize(m.Author.DisplayName))
			delete(r.shown, id)
		}
	}
}

func statusChanged(a, b realtime.Status) bool {
	return a.State != b.State || a.ConversationID != b.ConversationID ||
		a.Degraded != b.Degraded || a.Resyncing != b.Resyncing || !errors.Is(a.Err, b.Err)
}

func statusLine(st realtime.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- %s", st.State)
	if st.ConversationID != "" {
		fmt.Fprintf(&b, " %s", st.ConversationID)
	}
	if st.Resyncing {
		b.WriteString(" resyncing")
	}
	if st.Degraded {
		b.WriteString(" degraded")
	}
	if st.Err != nil {
		fmt.Fprintf(&b, ": %s", sanitize(st.Err.Error()))
	}
	b.WriteString(" --")
	return b.String()
}

func messageLine(mark string, e realtime.Entry) string {
	who := sanitize(e.Author.DisplayName)
	if who == "" {
		who = sanitize(e.AuthorID)
	}
	if e.Own {
		who += " (you)"
	}
	tag := ""
	if e.Kind != "" && e.Kind != realtime.KindText {
		tag = " [" + string(e.Kind) + "]"
	}
	return fmt.Sprintf("%s %s %s %s%s: %s", mark, e.CreatedAt.Local().Format("15:04:05"), e.ID, who, tag, sanitize(e.Content))
}

// sanitize keeps remote text from driving the terminal.
func sanitize(s string) string {
	s = stripANSI(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

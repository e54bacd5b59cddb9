package pricefeed

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSource reads generic feed messages from NATS, one subject per
// instrument: <prefix>.<instrument>.
type NATSSource struct {
	url     string
	prefix  string
	handler Handler
	logger  *zap.Logger

	mu   sync.Mutex
	nc   *nats.Conn
	subs map[string]*nats.Subscription // nil until connected
}

func NewNATSSource(url, prefix string, h Handler, logger *zap.Logger) *NATSSource {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{
		url:     url,
		prefix:  prefix,
		handler: h,
		logger:  logger.With(zap.String("source", "nats")),
		subs:    make(map[string]*nats.Subscription),
	}
}

func (s *NATSSource) Subject(instrument string) string {
	if s.prefix == "" {
		return instrument
	}
	return s.prefix + "." + instrument
}

// Start connects and subscribes everything requested so far. The connection
// is closed when ctx is done.
func (s *NATSSource) Start(ctx context.Context) error {
	nc, err := nats.Connect(s.url,
		nats.Name("termtrader"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.nc = nc
	for id := range s.subs {
		if err := s.subscribeLocked(id); err != nil {
			s.mu.Unlock()
			nc.Close()
			return err
		}
	}
	s.mu.Unlock()

	s.logger.Info("nats connected", zap.String("url", s.url), zap.String("prefix", s.prefix))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *NATSSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		return
	}
	s.nc.Close()
	s.nc = nil
	for id := range s.subs {
		s.subs[id] = nil
	}
}

func (s *NATSSource) Subscribe(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if sub := s.subs[id]; sub != nil {
			continue
		}
		s.subs[id] = nil
		if s.nc == nil {
			continue
		}
		if err := s.subscribeLocked(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *NATSSource) subscribeLocked(id string) error {
	sub, err := s.nc.Subscribe(s.Subject(id), s.onMsg)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", s.Subject(id), err)
	}
	s.subs[id] = sub
	return nil
}

func (s *NATSSource) Unsubscribe(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		sub, ok := s.subs[id]
		if !ok {
			continue
		}
		delete(s.subs, id)
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				s.logger.Warn("nats unsubscribe failed", zap.String("instrument", id), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *NATSSource) Subscriptions() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

func (s *NATSSource) Subscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	return ok
}

func (s *NATSSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

func (s *NATSSource) onMsg(m *nats.Msg) {
	_ = s.handler.Handle(m.Data)
}

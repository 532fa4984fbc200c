package app

import (
	"time"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

func (s *Session) observerList() []domain.Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observers
}

func (s *Session) setPhase(log domain.Logger, to domain.Phase) {
	s.mu.Lock()
	from := s.status.Phase
	s.status.Phase = to
	s.status.UpdatedAt = time.Now()
	st := s.status
	observers := s.observers
	s.mu.Unlock()

	if from == to {
		return
	}
	log.Info("phase", "from", from, "to", to)
	for _, o := range observers {
		o.PhaseChanged(from, to)
		o.StatusChanged(st)
	}
}

func (s *Session) updateStatus(fn func(st *domain.Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = time.Now()
	st := s.status
	observers := s.observers
	s.mu.Unlock()

	for _, o := range observers {
		o.StatusChanged(st)
	}
}

// attrLogger prefixes every record with fixed attributes.
type attrLogger struct {
	base  domain.Logger
	attrs []any
}

func withAttrs(l domain.Logger, attrs ...any) domain.Logger {
	return attrLogger{base: l, attrs: attrs}
}

func (l attrLogger) with(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	return append(append(out, l.attrs...), args...)
}

func (l attrLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.with(args)...) }
func (l attrLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.with(args)...) }
func (l attrLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.with(args)...) }
func (l attrLogger) Error(msg string, args ...any) { l.base.Error(msg, l.with(args)...) }

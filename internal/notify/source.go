package notify

import (
	"fmt"
	"log/slog"

	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
)

// ChangeSource is one inbound notification transport.
type ChangeSource interface {
	Name() Source
	Start(emit func(Notification)) (stop func(), err error)
}

// NativeSource turns the store's native mutation signal into notifications.
//
// Record writes are decoded for their metadata; marker writes carry the
// notification itself. Deletions, backup rings and undecodable values are
// ignored.
type NativeSource struct {
	watcher kvstore.Watcher
	log     *slog.Logger
}

// NewNativeSource wraps w.
func NewNativeSource(w kvstore.Watcher, log *slog.Logger) *NativeSource {
	if log == nil {
		log = slog.Default()
	}
	return &NativeSource{watcher: w, log: log}
}

// Name implements ChangeSource.
func (s *NativeSource) Name() Source {
	return SourceNative
}

// Start implements ChangeSource.
func (s *NativeSource) Start(emit func(Notification)) (func(), error) {
	stop, err := s.watcher.Watch(func(c kvstore.Change) {
		if n, ok := s.translate(c); ok {
			emit(n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("start native source: %w", err)
	}
	return stop, nil
}

func (s *NativeSource) translate(c kvstore.Change) (Notification, bool) {
	if c.Deleted {
		return Notification{}, false
	}
	if c.Key == record.MarkerKey {
		n, err := decodeMarker(c.Value)
		if err != nil {
			s.log.Debug("ignoring marker", "error", err)
			return Notification{}, false
		}
		n.Source = SourceNative
		return n, true
	}
	if record.IsReserved(c.Key) {
		return Notification{}, false
	}
	d := record.Decode(c.Key, c.Value, true, nil)
	if !d.OK() {
		s.log.Debug("ignoring undecodable change", "key", c.Key, "status", d.Status)
		return Notification{}, false
	}
	return FromEnvelope(c.Key, d.Envelope, SourceNative), true
}

// HubSource receives notifications published on a Bus.
type HubSource struct {
	bus    Bus
	source Source
}

// NewBusSource receives from the cross-context broadcast bus.
func NewBusSource(bus Bus) *HubSource {
	return &HubSource{bus: bus, source: SourceBus}
}

// NewLocalSource receives from the process-local event hub.
func NewLocalSource(bus Bus) *HubSource {
	return &HubSource{bus: bus, source: SourceLocal}
}

// Name implements ChangeSource.
func (s *HubSource) Name() Source {
	return s.source
}

// Start implements ChangeSource.
func (s *HubSource) Start(emit func(Notification)) (func(), error) {
	cancel := s.bus.Subscribe(func(n Notification) {
		n.Source = s.source
		emit(n)
	})
	return cancel, nil
}

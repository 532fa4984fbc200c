package app

import (
	"fmt"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// runtimeState is everything one attempt acquired. Teardown clears each
// field as it releases it, so a second teardown is a no-op.
type runtimeState struct {
	audio   domain.AudioLease
	display domain.DisplayLease
	encoder domain.Process

	restarted bool
}

type teardownStep struct {
	name string
	run  func() error
}

// teardown releases resources in reverse acquisition order. Each step runs
// on its own; a failure or panic is logged and the next step still runs.
// keepDevice leaves the connection and receiver app in place for a restart.
func (s *Session) teardown(log domain.Logger, cfg domain.SessionConfig, rt *runtimeState, dev *deviceState, keepDevice bool) {
	var steps []teardownStep

	if dev.connected {
		steps = append(steps, teardownStep{"stop playback", s.device.StopPlayback})
		if !keepDevice {
			steps = append(steps,
				teardownStep{"quit receiver", s.device.QuitApp},
				teardownStep{"disconnect", func() error {
					dev.connected = false
					dev.control = nil
					return s.device.Disconnect()
				}},
			)
		}
	}

	if rt.encoder != nil {
		steps = append(steps, teardownStep{"stop encoder", func() error {
			p := rt.encoder
			rt.encoder = nil
			err := p.Stop(cfg.EncoderGrace)
			for _, o := range s.observerList() {
				o.EncoderStopped(p.Pid())
			}
			return err
		}})
	}
	if rt.display.WindowManager != nil {
		steps = append(steps, teardownStep{"stop window manager", func() error {
			p := rt.display.WindowManager
			rt.display.WindowManager = nil
			return p.Stop(cfg.DisplayGrace)
		}})
	}
	if rt.display.Server != nil {
		steps = append(steps, teardownStep{"stop display server", func() error {
			p := rt.display.Server
			rt.display = domain.DisplayLease{}
			return p.Stop(cfg.DisplayGrace)
		}})
	}
	if rt.audio != (domain.AudioLease{}) {
		steps = append(steps, teardownStep{"release audio", func() error {
			lease := rt.audio
			rt.audio = domain.AudioLease{}
			s.audio.Release(lease)
			return nil
		}})
	}

	for _, step := range steps {
		s.runStep(log, step)
	}
}

func (s *Session) runStep(log domain.Logger, step teardownStep) {
	defer func() {
		if r := recover(); r != nil {
			s.stepFailed(log, step.name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := step.run(); err != nil {
		s.stepFailed(log, step.name, err)
		return
	}
	log.Debug("teardown step done", "step", step.name)
}

func (s *Session) stepFailed(log domain.Logger, step string, err error) {
	log.Warn("teardown step failed", "step", step, "err", err)
	for _, o := range s.observerList() {
		o.TeardownFailed(step, err)
	}
}

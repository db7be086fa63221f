package devices

import (
	"fmt"
	"log"
)

// Stats summarizes one scheduler pass.
type Stats struct {
	Updated     int
	Transferred int
	Idle        int
	Disabled    int
	Created     float64
	Vented      float64
}

// Scheduler updates devices in registration order. Devices sharing a pipe
// network therefore mutate it in a stable order.
type Scheduler struct {
	logger  *log.Logger
	order   []ID
	devices map[ID]Device
	// lastDisabled tracks devices already reported as disabled.
	lastDisabled map[ID]bool
}

func NewScheduler(logger *log.Logger) *Scheduler {
	return &Scheduler{
		logger:       logger,
		devices:      map[ID]Device{},
		lastDisabled: map[ID]bool{},
	}
}

func (s *Scheduler) Len() int { return len(s.order) }

func (s *Scheduler) Add(d Device) error {
	if d == nil || KindOf(d) == "" {
		return fmt.Errorf("%w: unsupported device %T", ErrInvalidDevice, d)
	}
	id := d.common().ID
	if id == 0 {
		return fmt.Errorf("%w: zero id", ErrInvalidDevice)
	}
	if _, ok := s.devices[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateDevice, id)
	}
	s.devices[id] = d
	s.order = append(s.order, id)
	return nil
}

func (s *Scheduler) Remove(id ID) (Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	delete(s.devices, id)
	delete(s.lastDisabled, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return d, nil
}

func (s *Scheduler) SetEnabled(id ID, enabled bool) error {
	d, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	d.common().Enabled = enabled
	return nil
}

func (s *Scheduler) Get(id ID) (Device, bool) {
	d, ok := s.devices[id]
	return d, ok
}

// Devices returns devices in registration order.
func (s *Scheduler) Devices() []Device {
	out := make([]Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id])
	}
	return out
}

// Update runs every device once.
func (s *Scheduler) Update(env Env) Stats {
	var st Stats
	for _, id := range s.order {
		d := s.devices[id]
		res := Update(env, d)
		st.Updated++
		st.Created += res.Created
		st.Vented += res.Vented
		switch res.Outcome {
		case Transferred:
			st.Transferred++
		case Disabled:
			st.Disabled++
		default:
			st.Idle++
		}
		wasDisabled := s.lastDisabled[id]
		if res.Outcome == Disabled && !wasDisabled && s.logger != nil {
			s.logger.Printf("[devices] %s %d disabled: missing node or tile", KindOf(d), id)
		}
		if res.Outcome == Disabled {
			s.lastDisabled[id] = true
		} else if wasDisabled {
			delete(s.lastDisabled, id)
		}
	}
	return st
}

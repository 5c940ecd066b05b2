package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voyagedesk/voyagedesk/internal/services/chat/protocol"
)

// State is the reconnection manager's connection lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateClosed     State = "closed"
	StateGaveUp     State = "gave_up"
)

const maxReconnectAttempts = 5

// Conn is one live socket the manager reads events from.
type Conn interface {
	ReadEvent() (protocol.Event, error)
	Close() error
}

// Dialer opens a new socket to the conversation.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// CloseError carries the websocket close code of a terminated connection.
type CloseError struct {
	Code int
}

func (e CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d", e.Code)
}

// deliberateCloseCode is a normal closure; the manager treats it as final
// rather than a failure to retry.
const deliberateCloseCode = 1000

// Manager keeps one conversation socket alive across network failures. It
// redials with exponential backoff, resets its attempt budget on every
// successful open, and gives up after the attempt cap.
type Manager struct {
	dialer  Dialer
	OnEvent func(event protocol.Event)
	OnState func(state State)
	OnOpen  func()

	// wait is injectable for tests; it sleeps for the backoff delay unless
	// the context ends first.
	wait func(ctx context.Context, delay time.Duration) error
}

// NewManager creates a reconnection manager over a dialer.
func NewManager(dialer Dialer) *Manager {
	return &Manager{
		dialer: dialer,
		wait:   waitFor,
	}
}

// Run dials and reads until the context ends, the server closes
// deliberately, or the attempt budget runs out. It returns nil on a clean
// close and the last failure once it gives up.
func (m *Manager) Run(ctx context.Context) error {
	if m.dialer == nil {
		return errors.New("dialer is required")
	}

	schedule := newBackoffSchedule()
	attempts := 0
	for {
		m.setState(StateConnecting)
		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			m.setState(StateOpen)
			if m.OnOpen != nil {
				m.OnOpen()
			}
			// A successful open restores the full retry budget.
			attempts = 0
			schedule.Reset()

			err = m.readLoop(ctx, conn)
			var closeErr CloseError
			if errors.As(err, &closeErr) && closeErr.Code == deliberateCloseCode {
				m.setState(StateClosed)
				return nil
			}
		}
		if ctx.Err() != nil {
			m.setState(StateClosed)
			return ctx.Err()
		}

		attempts++
		if attempts > maxReconnectAttempts {
			m.setState(StateGaveUp)
			return fmt.Errorf("gave up after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}
		m.setState(StateBackoff)
		if waitErr := m.wait(ctx, schedule.NextBackOff()); waitErr != nil {
			m.setState(StateClosed)
			return waitErr
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	defer func() {
		_ = conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		event, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		if m.OnEvent != nil {
			m.OnEvent(event)
		}
	}
}

func (m *Manager) setState(state State) {
	if m.OnState != nil {
		m.OnState(state)
	}
}

// newBackoffSchedule yields 2s, 4s, 8s, 16s, 32s between attempts.
func newBackoffSchedule() *backoff.ExponentialBackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = 2 * time.Second
	schedule.RandomizationFactor = 0
	schedule.Multiplier = 2
	schedule.MaxInterval = 32 * time.Second
	return schedule
}

func waitFor(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

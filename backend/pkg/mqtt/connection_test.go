package mqtt

import (
	"errors"
	"sync"
	"testing"
)

func TestConnectionTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		steps   []Status
		wantErr bool
		want    Status
	}{
		{name: "connect", steps: []Status{StatusConnecting, StatusConnected}, want: StatusConnected},
		{name: "connect then lose", steps: []Status{StatusConnecting, StatusConnected, StatusDisconnected}, want: StatusDisconnected},
		{name: "failed attempt", steps: []Status{StatusConnecting, StatusDisconnected}, want: StatusDisconnected},
		{name: "skip connecting", steps: []Status{StatusConnected}, wantErr: true, want: StatusDisconnected},
		{name: "connecting while connected", steps: []Status{StatusConnecting, StatusConnected, StatusConnecting}, wantErr: true, want: StatusConnected},
		{name: "repeated disconnect", steps: []Status{StatusDisconnected, StatusDisconnected}, want: StatusDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newConnection()

			var err error
			for i, s := range tt.steps {
				if err = c.transition(s, i+1, nil); err != nil {
					break
				}
			}

			if (err != nil) != tt.wantErr {
				t.Fatalf("transition error = %v, wantErr %v", err, tt.wantErr)
			}

			if got := c.Snapshot().Status; got != tt.want {
				t.Errorf("Status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConnectionTracksAttemptsAndErrors(t *testing.T) {
	t.Parallel()

	c := newConnection()
	refused := errors.New("connection refused")

	_ = c.transition(StatusConnecting, 3, nil)
	if got := c.Snapshot().ReconnectAttempt; got != 3 {
		t.Errorf("ReconnectAttempt = %d, want 3", got)
	}

	_ = c.transition(StatusDisconnected, 3, refused)
	if got := c.Snapshot().LastError; !errors.Is(got, refused) {
		t.Errorf("LastError = %v, want %v", got, refused)
	}

	_ = c.transition(StatusConnecting, 4, nil)
	_ = c.transition(StatusConnected, 4, nil)

	s := c.Snapshot()
	if s.ReconnectAttempt != 0 || s.LastError != nil || !c.Connected() {
		t.Errorf("after connect: %+v", s)
	}
}

func TestConnectionConcurrentReaders(t *testing.T) {
	t.Parallel()

	c := newConnection()

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 1000 {
				s := c.Snapshot()
				if s.Status < StatusDisconnected || s.Status > StatusConnected {
					t.Errorf("unexpected status %d", s.Status)

					return
				}
			}
		}()
	}

	for i := range 500 {
		_ = c.transition(StatusConnecting, i, nil)
		_ = c.transition(StatusConnected, i, nil)
		_ = c.transition(StatusDisconnected, i, errors.New("lost"))
	}

	wg.Wait()
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	want := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		Status(9):          "status(9)",
	}

	for s, w := range want {
		if s.String() != w {
			t.Errorf("String(%d) = %q, want %q", int(s), s.String(), w)
		}
	}
}

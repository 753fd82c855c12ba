package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// TestPingManager tests that a timely pong records the round trip time, while
// a late pong or a failing ping is reported through OnPingFailure.
func TestPingManager(t *testing.T) {
	t.Parallel()

	errSend := errors.New("write failed")

	testCases := []struct {
		name    string
		delay   time.Duration
		sendErr error
		failure error
	}{
		{
			name: "happy path",
		},
		{
			name:    "timeout",
			delay:   time.Second,
			failure: ErrPingTimeout,
		},
		{
			name:    "send failure",
			sendErr: errSend,
			failure: errSend,
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			pingTicker := ticker.NewForce(time.Hour)
			pongs := make(chan time.Duration, 1)
			failures := make(chan error, 1)

			mgr := NewPingManager(&PingManagerConfig{
				SendPing: func(ctx context.Context) error {
					if test.sendErr != nil {
						return test.sendErr
					}

					select {
					case <-time.After(test.delay):
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				},
				Ticker:          pingTicker,
				TimeoutDuration: 50 * time.Millisecond,
				Clock:           clock.NewDefaultClock(),
				OnPong: func(rtt time.Duration) {
					pongs <- rtt
				},
				OnPingFailure: func(err error, _ time.Duration,
					_ time.Duration) {

					failures <- err
				},
			})
			require.NoError(t, mgr.Start())
			defer mgr.Stop()

			require.EqualValues(t, -1, mgr.GetPingTimeMicroSeconds())

			pingTicker.Force <- time.Now()

			select {
			case <-pongs:
				require.Nil(t, test.failure)
				require.GreaterOrEqual(
					t, mgr.GetPingTimeMicroSeconds(),
					int64(0),
				)

			case err := <-failures:
				require.NotNil(t, test.failure)
				require.ErrorIs(t, err, test.failure)

			case <-time.After(5 * time.Second):
				t.Fatal("ping outcome not reported")
			}
		})
	}
}

// TestPingManagerStopAbortsPing asserts that stopping the manager aborts an
// outstanding ping without reporting a failure.
func TestPingManagerStopAbortsPing(t *testing.T) {
	t.Parallel()

	pingTicker := ticker.NewForce(time.Hour)
	started := make(chan struct{})
	failures := make(chan error, 1)

	mgr := NewPingManager(&PingManagerConfig{
		SendPing: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()

			return ctx.Err()
		},
		Ticker:          pingTicker,
		TimeoutDuration: time.Hour,
		Clock:           clock.NewDefaultClock(),
		OnPingFailure: func(err error, _ time.Duration,
			_ time.Duration) {

			failures <- err
		},
	})
	require.NoError(t, mgr.Start())

	pingTicker.Force <- time.Now()
	<-started

	mgr.Stop()

	select {
	case err := <-failures:
		t.Fatalf("unexpected ping failure: %v", err)
	default:
	}
}

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vydata/taskpilot/validation"
)

type fakeMessenger struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeMessenger) DirectMessage(ctx context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeWaiter returns a canned response after an optional delay.
type fakeWaiter struct {
	resp  *validation.Response
	delay time.Duration
}

func (f *fakeWaiter) WaitForResponse(ctx context.Context, validationID string, timeout time.Duration) (*validation.Response, error) {
	wait := f.delay
	if f.resp == nil || wait > timeout {
		wait = timeout
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	if f.delay > timeout {
		return nil, nil
	}
	return f.resp, nil
}

func TestAwaitImmediateResponse(t *testing.T) {
	msgr := &fakeMessenger{}
	waiter := &fakeWaiter{resp: &validation.Response{ResponseStatus: validation.StatusApproved, ShouldMerge: true}}
	c := NewCoordinator(msgr, waiter, nil)

	outcome, err := c.Await(context.Background(), WaitInput{
		ValidationID: "v1",
		SlackUserID:  "U123",
		IsCommand:    true,
		FinalTimeout: time.Second,
	})
	require.NoError(t, err)

	require.NotNil(t, outcome.Response)
	assert.Equal(t, validation.StatusApproved, outcome.Response.ResponseStatus)
	assert.False(t, outcome.TimedOut)
	// The initial "waiting" message was sent; no reminder fired.
	assert.Equal(t, 1, msgr.count())
}

func TestAwaitNoWaitingMessageWithoutCommand(t *testing.T) {
	msgr := &fakeMessenger{}
	waiter := &fakeWaiter{resp: &validation.Response{ResponseStatus: validation.StatusApproved}}
	c := NewCoordinator(msgr, waiter, nil)

	_, err := c.Await(context.Background(), WaitInput{
		ValidationID: "v1",
		SlackUserID:  "U123",
		IsCommand:    false,
		FinalTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, msgr.count())
}

func TestAwaitReminderFiresOnce(t *testing.T) {
	msgr := &fakeMessenger{}
	waiter := &fakeWaiter{resp: &validation.Response{ResponseStatus: validation.StatusApproved}, delay: 80 * time.Millisecond}
	c := NewCoordinator(msgr, waiter, nil)

	outcome, err := c.Await(context.Background(), WaitInput{
		ValidationID:  "v1",
		SlackUserID:   "U123",
		IsCommand:     true,
		ReminderDelay: 20 * time.Millisecond,
		FinalTimeout:  time.Second,
	})
	require.NoError(t, err)

	require.NotNil(t, outcome.Response)
	// Waiting message + exactly one reminder.
	assert.Equal(t, 2, msgr.count())
}

func TestAwaitQuestionSkipsReminder(t *testing.T) {
	msgr := &fakeMessenger{}
	waiter := &fakeWaiter{resp: &validation.Response{ResponseStatus: validation.StatusApproved}, delay: 60 * time.Millisecond}
	c := NewCoordinator(msgr, waiter, nil)

	_, err := c.Await(context.Background(), WaitInput{
		ValidationID:  "v1",
		SlackUserID:   "U123",
		IsQuestion:    true,
		ReminderDelay: 10 * time.Millisecond,
		FinalTimeout:  time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, msgr.count())
}

func TestAwaitTimeoutAutoApproves(t *testing.T) {
	waiter := &fakeWaiter{delay: time.Hour}
	c := NewCoordinator(&fakeMessenger{}, waiter, nil)

	outcome, err := c.Await(context.Background(), WaitInput{
		ValidationID:   "v1",
		FinalTimeout:   20 * time.Millisecond,
		LastTestPassed: true,
		ModifiedFiles:  []string{"main.txt"},
	})
	require.NoError(t, err)

	assert.True(t, outcome.TimedOut)
	assert.True(t, outcome.AutoApproved)
	assert.Nil(t, outcome.Response)
}

func TestAwaitTimeoutWithoutAutoApproval(t *testing.T) {
	tests := []struct {
		name  string
		input WaitInput
	}{
		{
			name: "tests failed",
			input: WaitInput{
				LastTestPassed: false,
				ModifiedFiles:  []string{"main.txt"},
			},
		},
		{
			name: "error logs present",
			input: WaitInput{
				LastTestPassed: true,
				ErrorLogs:      []string{"node timeout"},
				ModifiedFiles:  []string{"main.txt"},
			},
		},
		{
			name: "nothing modified",
			input: WaitInput{
				LastTestPassed: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			waiter := &fakeWaiter{delay: time.Hour}
			c := NewCoordinator(&fakeMessenger{}, waiter, nil)

			tt.input.ValidationID = "v1"
			tt.input.FinalTimeout = 20 * time.Millisecond

			outcome, err := c.Await(context.Background(), tt.input)
			require.NoError(t, err)

			assert.True(t, outcome.TimedOut)
			assert.False(t, outcome.AutoApproved)
			assert.NotEmpty(t, outcome.Reason)
		})
	}
}

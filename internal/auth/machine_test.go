package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineHappyPath(t *testing.T) {
	ctx := context.Background()
	var transitions []string
	m := NewMachine(false, func(from, to string) {
		transitions = append(transitions, from+">"+to)
	})

	for _, ev := range []string{EventSubmitCredentials, EventCaptureInterstitial, EventAwaitOTP, EventExchangeTokens, EventPersist} {
		require.NoError(t, m.Trigger(ctx, ev))
	}

	assert.Equal(t, StateAuthenticated, m.Current())
	assert.Equal(t, []string{
		"idle>credentials_submitted",
		"credentials_submitted>interstitial_captured",
		"interstitial_captured>otp_pending",
		"otp_pending>token_exchanged",
		"token_exchanged>authenticated",
	}, transitions)

	require.NoError(t, m.Trigger(ctx, EventRequestReauth))
	assert.Equal(t, StateReauthRequested, m.Current())
}

func TestMachineRejectsSkippedSteps(t *testing.T) {
	m := NewMachine(false, nil)

	assert.False(t, m.Can(EventExchangeTokens))
	assert.Error(t, m.Trigger(context.Background(), EventPersist))
	assert.Equal(t, StateIdle, m.Current())
}

func TestMachineRest(t *testing.T) {
	ctx := context.Background()

	fresh := NewMachine(false, nil)
	require.NoError(t, fresh.Trigger(ctx, EventSubmitCredentials))
	assert.True(t, fresh.InFlight())
	require.NoError(t, fresh.Rest(ctx, false))
	assert.Equal(t, StateIdle, fresh.Current())
	assert.False(t, fresh.InFlight())
	require.NoError(t, fresh.Rest(ctx, false), "resting twice is a no-op")

	reauth := NewMachine(true, nil)
	assert.Equal(t, StateReauthRequested, reauth.Current())
	require.NoError(t, reauth.Trigger(ctx, EventSubmitCredentials))
	require.NoError(t, reauth.Trigger(ctx, EventCaptureInterstitial))
	require.NoError(t, reauth.Rest(ctx, true))
	assert.Equal(t, StateReauthRequested, reauth.Current())
}
